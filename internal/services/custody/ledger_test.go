package custody

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/id"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *sqliteadapter.Store
	ledger   *Ledger
	admin    model.Actor
	u1       model.Actor
	u2       model.Actor
	u3       model.Actor
	evidence model.Evidence
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqliteadapter.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "custody.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := sqliteadapter.NewStore(db)

	f := &fixture{store: store, ledger: NewLedger(store, nil)}
	f.admin = addUser(t, store, "admin", model.RoleAdmin, true)
	f.u1 = addUser(t, store, "u1", model.RoleInvestigator, true)
	f.u2 = addUser(t, store, "u2", model.RoleInvestigator, true)
	f.u3 = addUser(t, store, "u3", model.RoleInvestigator, true)

	now := time.Now().Unix()
	c := model.Case{
		CaseID: id.New("case"), CaseNo: "DEFM-2026-001", Title: "t", Status: model.CaseOpen,
		Priority: model.PriorityHigh, CreatedBy: f.u1.UserID, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.InsertCase(ctx, c))

	f.evidence = model.Evidence{
		EvidenceID: id.New("evd"), EvidenceNo: c.CaseNo + "-EVD-001", CaseID: c.CaseID,
		Title: "phone", Type: model.EvidencePhysical, Status: model.EvidenceCollected,
		CollectedBy: f.u1.UserID, CollectedAt: now - 100, CreatedAt: now, UpdatedAt: now,
	}
	err = f.ledger.Mutate(ctx, f.evidence.EvidenceID, func(tx *sqliteadapter.Tx) error {
		if err := tx.InsertEvidence(ctx, f.evidence); err != nil {
			return err
		}
		_, err := f.ledger.RecordInTx(ctx, tx, f.u1, AppendInput{
			EvidenceID: f.evidence.EvidenceID,
			Action:     model.ActionCollected,
			OccurredAt: f.evidence.CollectedAt,
		})
		return err
	})
	require.NoError(t, err)
	return f
}

func addUser(t *testing.T, s *sqliteadapter.Store, name string, role model.Role, active bool) model.Actor {
	t.Helper()
	now := time.Now().Unix()
	u := model.User{
		UserID: id.New("usr"), Username: name, Email: name + "@lab.test", FullName: name,
		PasswordHash: "x", Role: role, Active: active, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertUser(context.Background(), u))
	return model.Actor{UserID: u.UserID, Username: name, Role: role}
}

func TestLatestHolder_CollectorThenTransfers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID

	holder, err := f.ledger.LatestHolder(ctx, evd)
	require.NoError(t, err)
	assert.Equal(t, f.u1.UserID, holder)

	_, err = f.ledger.Transfer(ctx, f.u1, TransferInput{EvidenceID: evd, To: f.u2.UserID})
	require.NoError(t, err)
	_, err = f.ledger.Transfer(ctx, f.u2, TransferInput{EvidenceID: evd, To: f.u3.UserID, From: f.u2.UserID})
	require.NoError(t, err)

	holder, err = f.ledger.LatestHolder(ctx, evd)
	require.NoError(t, err)
	assert.Equal(t, f.u3.UserID, holder)

	hist, err := f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, f.u1.UserID, hist[1].TransferredFrom)
	assert.Equal(t, f.u2.UserID, hist[2].TransferredFrom)
}

func TestTransfer_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID

	_, err := f.ledger.Transfer(ctx, f.u1, TransferInput{EvidenceID: evd, To: f.u2.UserID})
	require.NoError(t, err)

	hist, err := f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	// u3 不是当前持有人，也没有 override_holder。
	_, err = f.ledger.Transfer(ctx, f.u3, TransferInput{EvidenceID: evd, To: f.u1.UserID})
	assert.ErrorIs(t, err, errclass.ErrPermissionDenied)

	hist, err = f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	// 管理员可以代为移交。
	ev, err := f.ledger.Transfer(ctx, f.admin, TransferInput{EvidenceID: evd, To: f.u3.UserID})
	require.NoError(t, err)
	assert.Equal(t, f.u2.UserID, ev.TransferredFrom)
	assert.Equal(t, f.admin.UserID, ev.HandlerID)
}

func TestTransfer_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID
	inactive := addUser(t, f.store, "gone", model.RoleInvestigator, false)

	tests := []struct {
		name  string
		actor model.Actor
		in    TransferInput
		want  error
	}{
		{"self transfer", f.u1, TransferInput{EvidenceID: evd, To: f.u1.UserID}, errclass.ErrInvalidTransfer},
		{"self transfer by admin", f.admin, TransferInput{EvidenceID: evd, To: f.admin.UserID}, errclass.ErrInvalidTransfer},
		{"missing recipient", f.u1, TransferInput{EvidenceID: evd}, errclass.ErrInvalidTransfer},
		{"unknown recipient", f.u1, TransferInput{EvidenceID: evd, To: "usr_nobody"}, errclass.ErrInvalidTransfer},
		{"inactive recipient", f.u1, TransferInput{EvidenceID: evd, To: inactive.UserID}, errclass.ErrInvalidTransfer},
		{"to current holder", f.admin, TransferInput{EvidenceID: evd, To: f.u1.UserID}, errclass.ErrInvalidTransfer},
		{"wrong from", f.u1, TransferInput{EvidenceID: evd, To: f.u2.UserID, From: f.u3.UserID}, errclass.ErrInvalidTransfer},
		{"unknown evidence", f.u1, TransferInput{EvidenceID: "evd_missing", To: f.u2.UserID}, errclass.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.Transfer(ctx, tc.actor, tc.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	hist, err := f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestAppend_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID

	_, err := f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd, Action: model.ActionArchived})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd, Action: "examined", TransferredTo: f.u2.UserID})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd, Action: "examined", OccurredAt: f.evidence.CollectedAt - 1})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.ledger.Append(ctx, model.Actor{UserID: "usr_ghost", Role: model.RoleInvestigator}, AppendInput{EvidenceID: evd, Action: "examined"})
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	_, err = f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: "evd_missing", Action: "examined"})
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestAppend_EqualTimestampsKeepInsertionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID
	ts := f.evidence.CollectedAt + 10

	a, err := f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd, Action: "photographed", OccurredAt: ts})
	require.NoError(t, err)
	b, err := f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd, Action: "bagged", OccurredAt: ts})
	require.NoError(t, err)

	hist, err := f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, a.EventID, hist[1].EventID)
	assert.Equal(t, b.EventID, hist[2].EventID)

	rev, err := f.ledger.History(ctx, evd, model.ReverseChronological)
	require.NoError(t, err)
	assert.Equal(t, b.EventID, rev[0].EventID)
}

func TestAppend_ExpectedHeadConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID

	hist, err := f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)
	head := hist[len(hist)-1].Seq

	_, err = f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd, Action: "sealed", ExpectedHeadSeq: head})
	require.NoError(t, err)

	_, err = f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd, Action: "resealed", ExpectedHeadSeq: head})
	assert.ErrorIs(t, err, errclass.ErrConflict)
}

func TestAppend_NeverMutatesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID

	before, err := f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.ledger.Append(ctx, f.u1, AppendInput{EvidenceID: evd, Action: "inspected"})
		require.NoError(t, err)
	}

	after, err := f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)
	require.Len(t, after, len(before)+3)
	assert.Equal(t, before, after[:len(before)])
}

func TestConcurrentTransfers_OnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	targets := []string{f.u2.UserID, f.u3.UserID}
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.Transfer(ctx, f.u1, TransferInput{EvidenceID: evd, To: targets[i]})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, errclass.ErrPermissionDenied)
	}
	assert.Equal(t, 1, ok)

	res, err := f.ledger.VerifyChain(ctx, evd)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Total)
}

func TestVoid_CompensatesTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evd := f.evidence.EvidenceID

	tr, err := f.ledger.Transfer(ctx, f.u1, TransferInput{EvidenceID: evd, To: f.u2.UserID})
	require.NoError(t, err)

	_, err = f.ledger.Void(ctx, f.u1, tr.EventID, "entered by mistake")
	assert.ErrorIs(t, err, errclass.ErrPermissionDenied)

	_, err = f.ledger.Void(ctx, f.admin, tr.EventID, "")
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	v, err := f.ledger.Void(ctx, f.admin, tr.EventID, "entered by mistake")
	require.NoError(t, err)
	assert.Equal(t, model.ActionRecordVoided, v.Action)
	assert.Equal(t, tr.EventID, v.VoidsEventID)

	holder, err := f.ledger.LatestHolder(ctx, evd)
	require.NoError(t, err)
	assert.Equal(t, f.u1.UserID, holder)

	_, err = f.ledger.Void(ctx, f.admin, tr.EventID, "again")
	assert.ErrorIs(t, err, errclass.ErrConflict)

	_, err = f.ledger.Void(ctx, f.admin, v.EventID, "void the void")
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.ledger.Void(ctx, f.admin, "cus_missing", "x")
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	hist, err := f.ledger.History(ctx, evd, model.Chronological)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestHistory_UnknownEvidence(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.History(context.Background(), "evd_missing", model.Chronological)
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	_, err = f.ledger.LatestHolder(context.Background(), "evd_missing")
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestHolder_Pure(t *testing.T) {
	events := []model.CustodyEvent{
		{EventID: "a", Action: model.ActionCollected},
		{EventID: "b", Action: model.ActionTransferred, TransferredTo: "u2"},
		{EventID: "c", Action: model.ActionTransferred, TransferredTo: "u3"},
		{EventID: "d", Action: model.ActionRecordVoided, VoidsEventID: "c"},
	}
	assert.Equal(t, "u1", Holder("u1", nil))
	assert.Equal(t, "u3", Holder("u1", events[:3]))
	assert.Equal(t, "u2", Holder("u1", events))
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)

	// 其他 key 不受影响。
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	// 同一 key 在超时前拿不到锁。
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(tctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA()
	assert.Empty(t, k.locks)
}
