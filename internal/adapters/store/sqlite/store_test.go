package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/id"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "custody.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func seedUser(t *testing.T, s *Store, username string) model.User {
	t.Helper()
	now := time.Now().Unix()
	u := model.User{
		UserID:       id.New("usr"),
		Username:     username,
		Email:        username + "@example.org",
		FullName:     username,
		PasswordHash: "x",
		Role:         model.RoleInvestigator,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.InsertUser(context.Background(), u))
	return u
}

func seedCase(t *testing.T, s *Store, owner string) model.Case {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Unix()
	no, err := s.NextCaseNo(ctx, 2026)
	require.NoError(t, err)
	c := model.Case{
		CaseID:    id.New("case"),
		CaseNo:    no,
		Title:     "Case " + no,
		Status:    model.CaseOpen,
		Priority:  model.PriorityMedium,
		CreatedBy: owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.InsertCase(ctx, c))
	return c
}

func seedEvidence(t *testing.T, s *Store, c model.Case, collector string) model.Evidence {
	t.Helper()
	ctx := context.Background()
	no, err := s.NextEvidenceNo(ctx, c.CaseID, c.CaseNo)
	require.NoError(t, err)
	now := time.Now().Unix()
	e := model.Evidence{
		EvidenceID:  id.New("evd"),
		EvidenceNo:  no,
		CaseID:      c.CaseID,
		Title:       "Laptop image",
		Type:        model.EvidenceDigital,
		Status:      model.EvidenceCollected,
		CollectedBy: collector,
		CollectedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.InsertEvidence(ctx, e))
	return e
}

func TestMigrator_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, NewMigrator(s.DB()).Up(ctx))

	v, err := s.GetSchemaMetaValue(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestNextCaseNo_Sequential(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s, "alice")

	c1 := seedCase(t, s, u.UserID)
	c2 := seedCase(t, s, u.UserID)
	assert.Equal(t, "DEFM-2026-001", c1.CaseNo)
	assert.Equal(t, "DEFM-2026-002", c2.CaseNo)

	no, err := s.NextEvidenceNo(context.Background(), c1.CaseID, c1.CaseNo)
	require.NoError(t, err)
	assert.Equal(t, "DEFM-2026-001-EVD-001", no)
}

func TestInsertUser_DuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s, "alice")

	dup := u
	dup.UserID = id.New("usr")
	err := s.InsertUser(context.Background(), dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrConflict)
}

func TestCases_ClosedAtConstraint(t *testing.T) {
	s := newTestStore(t)
	u := seedUser(t, s, "alice")
	c := seedCase(t, s, u.UserID)

	c.Status = model.CaseClosed
	c.ClosedAt = 0
	require.Error(t, s.UpdateCase(context.Background(), c))

	c.ClosedAt = time.Now().Unix()
	require.NoError(t, s.UpdateCase(context.Background(), c))

	got, err := s.GetCase(context.Background(), c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseClosed, got.Status)
	assert.NotZero(t, got.ClosedAt)
}

func TestCustodyEvents_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "alice")
	c := seedCase(t, s, u.UserID)
	e := seedEvidence(t, s, c, u.UserID)

	ev := &model.CustodyEvent{
		EventID:    id.New("cus"),
		EvidenceID: e.EvidenceID,
		HandlerID:  u.UserID,
		Action:     model.ActionCollected,
		OccurredAt: e.CollectedAt,
		RecordHash: "h1",
	}
	require.NoError(t, s.InsertCustodyEvent(ctx, ev))
	assert.NotZero(t, ev.Seq)

	_, err := s.DB().ExecContext(ctx, `UPDATE custody_events SET notes = 'x' WHERE event_id = ?`, ev.EventID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.DB().ExecContext(ctx, `DELETE FROM custody_events WHERE event_id = ?`, ev.EventID)
	require.Error(t, err)

	// 同一 prev_hash 的第二条记录意味着链分叉。
	fork := &model.CustodyEvent{
		EventID:    id.New("cus"),
		EvidenceID: e.EvidenceID,
		HandlerID:  u.UserID,
		Action:     "examined",
		OccurredAt: e.CollectedAt,
		RecordHash: "h2",
	}
	err = s.InsertCustodyEvent(ctx, fork)
	assert.ErrorIs(t, err, errclass.ErrConflict)

	head, err := s.CustodyHead(ctx, e.EvidenceID)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, ev.EventID, head.EventID)
}

func TestCustodyEvents_OrderTieBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "alice")
	c := seedCase(t, s, u.UserID)
	e := seedEvidence(t, s, c, u.UserID)

	prev := ""
	var ids []string
	for i, action := range []string{"collected", "note-a", "note-b"} {
		ev := &model.CustodyEvent{
			EventID:    id.New("cus"),
			EvidenceID: e.EvidenceID,
			HandlerID:  u.UserID,
			Action:     action,
			OccurredAt: 1700000000,
			PrevHash:   prev,
			RecordHash: "h" + action,
		}
		require.NoError(t, s.InsertCustodyEvent(ctx, ev), i)
		prev = ev.RecordHash
		ids = append(ids, ev.EventID)
	}

	asc, err := s.ListCustodyEvents(ctx, e.EvidenceID, model.Chronological)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	for i := range ids {
		assert.Equal(t, ids[i], asc[i].EventID)
	}

	desc, err := s.ListCustodyEvents(ctx, e.EvidenceID, model.ReverseChronological)
	require.NoError(t, err)
	assert.Equal(t, ids[2], desc[0].EventID)
	assert.Equal(t, ids[0], desc[2].EventID)
}

func TestSetEvidenceFile_OnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "alice")
	c := seedCase(t, s, u.UserID)
	e := seedEvidence(t, s, c, u.UserID)

	fd := model.FileDescriptor{FileName: "a.log", StoragePath: "/tmp/a.log", SizeBytes: 3, SHA256: "abc"}
	ok, err := s.SetEvidenceFile(ctx, e.EvidenceID, fd, time.Now().Unix())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetEvidenceFile(ctx, e.EvidenceID, fd, time.Now().Unix())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetEvidence(ctx, e.EvidenceID)
	require.NoError(t, err)
	require.NotNil(t, got.File)
	assert.Equal(t, "abc", got.File.SHA256)
}

func TestListEvidence_Search(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "alice")
	c := seedCase(t, s, u.UserID)
	seedEvidence(t, s, c, u.UserID)

	got, err := s.ListEvidence(ctx, model.EvidenceFilter{Query: "laptop"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.ListEvidence(ctx, model.EvidenceFilter{Query: "100%"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListCaseEvidence_ReadsEveryPage(t *testing.T) {
	old := caseEvidencePage
	caseEvidencePage = 2
	t.Cleanup(func() { caseEvidencePage = old })

	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "alice")
	c := seedCase(t, s, u.UserID)
	other := seedCase(t, s, u.UserID)
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, seedEvidence(t, s, c, u.UserID).EvidenceNo)
	}
	seedEvidence(t, s, other, u.UserID)

	got, err := s.ListCaseEvidence(ctx, c.CaseID)
	require.NoError(t, err)
	var nos []string
	for _, e := range got {
		nos = append(nos, e.EvidenceNo)
	}
	assert.Equal(t, want, nos)

	// 恰好整页时也要停下
	caseEvidencePage = 5
	got, err = s.ListCaseEvidence(ctx, c.CaseID)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = s.ListCaseEvidence(ctx, "case_missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteCase_BlockedByEvidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "alice")
	c := seedCase(t, s, u.UserID)
	seedEvidence(t, s, c, u.UserID)

	require.Error(t, s.DeleteCase(ctx, c.CaseID))

	missing, err := s.GetCase(ctx, "case_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAppendAudit_Chain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, AuditEntry{UserID: "usr_1", Action: "create", EntityType: "case", EntityID: "case_1"}))
	require.NoError(t, s.AppendAudit(ctx, AuditEntry{UserID: "usr_1", Action: "update", EntityType: "case", EntityID: "case_1", Detail: map[string]string{"status": "closed"}}))

	logs, err := s.ListAuditChain(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Empty(t, logs[0].ChainPrevHash)
	assert.Equal(t, logs[0].ChainHash, logs[1].ChainPrevHash)
	assert.Equal(t, AuditChainHash(logs[1].ChainPrevHash, logs[1]), logs[1].ChainHash)

	_, err = s.DB().ExecContext(ctx, `DELETE FROM audit_logs`)
	require.Error(t, err)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "alice")

	err := s.WithTx(ctx, func(tx *Tx) error {
		now := time.Now().Unix()
		no, err := tx.NextCaseNo(ctx, 2026)
		if err != nil {
			return err
		}
		if err := tx.InsertCase(ctx, model.Case{
			CaseID: id.New("case"), CaseNo: no, Title: "t", Status: model.CaseOpen,
			Priority: model.PriorityLow, CreatedBy: u.UserID, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return errclass.ErrInvalidArgument.WithMessage("boom")
	})
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)

	cases, err := s.ListCases(ctx, model.CaseFilter{})
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestDashboardStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "alice")
	c := seedCase(t, s, u.UserID)
	seedEvidence(t, s, c, u.UserID)

	st, err := s.DashboardStats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalCases)
	assert.Equal(t, 1, st.CasesByStatus["open"])
	assert.Equal(t, 1, st.TotalEvidence)
	assert.Equal(t, 1, st.EvidenceByType["digital"])
	assert.Equal(t, 1, st.ActiveUsers)
	assert.Len(t, st.RecentCases, 1)
}
