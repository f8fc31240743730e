package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/id"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Registry, *sqliteadapter.Store, model.Actor, model.Actor) {
	t.Helper()
	ctx := context.Background()
	db, err := sqliteadapter.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "custody.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := sqliteadapter.NewStore(db)

	mk := func(name string, role model.Role) model.Actor {
		now := time.Now().Unix()
		u := model.User{
			UserID: id.New("usr"), Username: name, Email: name + "@lab.test", FullName: name,
			PasswordHash: "x", Role: role, Active: true, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, store.InsertUser(ctx, u))
		return model.Actor{UserID: u.UserID, Username: name, Role: role}
	}
	return New(store, nil), store, mk("mia", model.RoleManager), mk("ian", model.RoleInvestigator)
}

func TestCreateCase_Numbering(t *testing.T) {
	r, _, mgr, inv := setup(t)
	ctx := context.Background()

	c1, err := r.CreateCase(ctx, inv, CaseInput{Title: "Phishing"})
	require.NoError(t, err)
	c2, err := r.CreateCase(ctx, mgr, CaseInput{Title: "Ransomware", Priority: model.PriorityCritical, AssignedTo: inv.UserID})
	require.NoError(t, err)

	assert.Equal(t, model.CaseOpen, c1.Status)
	assert.Equal(t, model.PriorityMedium, c1.Priority)
	assert.Regexp(t, `^DEFM-\d{4}-001$`, c1.CaseNo)
	assert.Contains(t, c2.CaseNo, "-002")
	assert.Contains(t, c1.CaseNo, time.Unix(c1.CreatedAt, 0).Format("2006"))

	_, err = r.CreateCase(ctx, inv, CaseInput{})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)
	_, err = r.CreateCase(ctx, inv, CaseInput{Title: "x", AssignedTo: "usr_missing"})
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestUpdateCase_ClosedAtFollowsStatus(t *testing.T) {
	r, _, _, inv := setup(t)
	ctx := context.Background()

	c, err := r.CreateCase(ctx, inv, CaseInput{Title: "Insider"})
	require.NoError(t, err)
	assert.Zero(t, c.ClosedAt)

	closed := model.CaseClosed
	c, err = r.UpdateCase(ctx, inv, c.CaseID, CasePatch{Status: &closed})
	require.NoError(t, err)
	assert.NotZero(t, c.ClosedAt)

	open := model.CaseOpen
	c, err = r.UpdateCase(ctx, inv, c.CaseID, CasePatch{Status: &open})
	require.NoError(t, err)
	assert.Zero(t, c.ClosedAt)

	stored, err := r.GetCase(ctx, c.CaseID)
	require.NoError(t, err)
	assert.Zero(t, stored.ClosedAt)
	assert.Equal(t, model.CaseOpen, stored.Status)

	bad := model.CaseStatus("paused")
	_, err = r.UpdateCase(ctx, inv, c.CaseID, CasePatch{Status: &bad})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = r.UpdateCase(ctx, inv, "case_missing", CasePatch{})
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestDeleteCase_BlockedWhileEvidenceExists(t *testing.T) {
	r, store, mgr, inv := setup(t)
	ctx := context.Background()

	c, err := r.CreateCase(ctx, inv, CaseInput{Title: "Leak"})
	require.NoError(t, err)

	err = r.DeleteCase(ctx, inv, c.CaseID)
	assert.ErrorIs(t, err, errclass.ErrPermissionDenied)

	now := time.Now().Unix()
	require.NoError(t, store.InsertEvidence(ctx, model.Evidence{
		EvidenceID: id.New("evd"), EvidenceNo: c.CaseNo + "-EVD-001", CaseID: c.CaseID, Title: "disk",
		Type: model.EvidenceDigital, Status: model.EvidenceCollected, CollectedBy: inv.UserID,
		CollectedAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	err = r.DeleteCase(ctx, mgr, c.CaseID)
	assert.ErrorIs(t, err, errclass.ErrConflict)

	empty, err := r.CreateCase(ctx, inv, CaseInput{Title: "Empty"})
	require.NoError(t, err)
	require.NoError(t, r.DeleteCase(ctx, mgr, empty.CaseID))
	_, err = r.GetCase(ctx, empty.CaseID)
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	err = r.DeleteCase(ctx, mgr, empty.CaseID)
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestQueries(t *testing.T) {
	r, _, mgr, inv := setup(t)
	ctx := context.Background()

	assigned, err := r.CreateCase(ctx, mgr, CaseInput{Title: "A", AssignedTo: inv.UserID})
	require.NoError(t, err)
	_, err = r.CreateCase(ctx, mgr, CaseInput{Title: "B"})
	require.NoError(t, err)
	done, err := r.CreateCase(ctx, mgr, CaseInput{Title: "C", AssignedTo: inv.UserID})
	require.NoError(t, err)
	closed := model.CaseClosed
	_, err = r.UpdateCase(ctx, mgr, done.CaseID, CasePatch{Status: &closed})
	require.NoError(t, err)

	mine, err := r.OpenCasesAssignedTo(ctx, inv.UserID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, assigned.CaseID, mine[0].CaseID)

	byStatus, err := r.CasesByStatus(ctx, model.CaseClosed)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, done.CaseID, byStatus[0].CaseID)

	_, err = r.CasesByStatus(ctx, "frozen")
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	ev, err := r.EvidenceFor(ctx, assigned.CaseID)
	require.NoError(t, err)
	assert.Empty(t, ev)

	_, err = r.EvidenceFor(ctx, "case_missing")
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	stats, err := r.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalCases)
	assert.Equal(t, 1, stats.CasesByStatus["closed"])
}
