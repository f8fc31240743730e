// Package custody 实现证据保管链：每个证据一条只追加、哈希串联的事件序列。
package custody

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/id"
	"custody-ledger/internal/platform/logging"
	"custody-ledger/internal/services/auditverify"
)

// Ledger 负责保管记录的追加与查询。
//
// 同一证据的写入在进程内由 keyedMutex 串行化，每次追加是一个 SQL 事务；
// 跨进程并发由 custody_events(evidence_id, prev_hash) 唯一约束兜底，失败返回 Conflict，不自动重试。
type Ledger struct {
	store *sqliteadapter.Store
	locks *keyedMutex
	log   logging.Logger
	now   func() time.Time
}

// NewLedger 创建保管链服务。log 为 nil 时不输出日志。
func NewLedger(store *sqliteadapter.Store, log logging.Logger) *Ledger {
	if log == nil {
		log = logging.Nop{}
	}
	return &Ledger{
		store: store,
		locks: newKeyedMutex(),
		log:   log,
		now:   time.Now,
	}
}

// AppendInput 是一次外部追加请求。OccurredAt 为 0 时取当前时间；
// ExpectedHeadSeq 非 0 时要求链头仍是调用方看到的那条记录。
type AppendInput struct {
	EvidenceID      string `json:"evidence_id"`
	Action          string `json:"action"`
	OccurredAt      int64  `json:"occurred_at,omitempty"`
	Location        string `json:"location,omitempty"`
	Purpose         string `json:"purpose,omitempty"`
	Notes           string `json:"notes,omitempty"`
	TransferredFrom string `json:"transferred_from,omitempty"`
	TransferredTo   string `json:"transferred_to,omitempty"`
	ExpectedHeadSeq int64  `json:"expected_head_seq,omitempty"`
}

// TransferInput 是移交请求。
type TransferInput struct {
	EvidenceID      string `json:"evidence_id"`
	To              string `json:"transferred_to"`
	From            string `json:"transferred_from,omitempty"`
	OccurredAt      int64  `json:"occurred_at,omitempty"`
	Location        string `json:"location,omitempty"`
	Purpose         string `json:"purpose,omitempty"`
	Notes           string `json:"notes,omitempty"`
	ExpectedHeadSeq int64  `json:"expected_head_seq,omitempty"`
}

// Append 以 actor 为经手人追加一条保管记录。系统保留动作不接受外部写入。
func (l *Ledger) Append(ctx context.Context, actor model.Actor, in AppendInput) (*model.CustodyEvent, error) {
	in.Action = strings.TrimSpace(in.Action)
	if in.Action == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("action is required")
	}
	if model.ReservedAction(in.Action) {
		return nil, errclass.ErrInvalidArgument.WithMessagef("action %q is reserved for system records", in.Action)
	}
	if in.Action != model.ActionTransferred && (in.TransferredFrom != "" || in.TransferredTo != "") {
		return nil, errclass.ErrInvalidArgument.WithMessage("transferred_from/transferred_to are only valid for transfers")
	}
	if !actor.Can(model.CapWriteRecords) {
		return nil, errclass.ErrPermissionDenied.WithMessage("write_records capability required")
	}

	var out *model.CustodyEvent
	err := l.Mutate(ctx, in.EvidenceID, func(tx *sqliteadapter.Tx) error {
		ev, err := l.RecordInTx(ctx, tx, actor, in)
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transfer 是 action=transferred 的追加。
func (l *Ledger) Transfer(ctx context.Context, actor model.Actor, in TransferInput) (*model.CustodyEvent, error) {
	return l.Append(ctx, actor, AppendInput{
		EvidenceID:      in.EvidenceID,
		Action:          model.ActionTransferred,
		OccurredAt:      in.OccurredAt,
		Location:        in.Location,
		Purpose:         in.Purpose,
		Notes:           in.Notes,
		TransferredFrom: in.From,
		TransferredTo:   in.To,
		ExpectedHeadSeq: in.ExpectedHeadSeq,
	})
}

// Void 追加 record_voided 补偿记录，原记录保持不变。
func (l *Ledger) Void(ctx context.Context, actor model.Actor, eventID, reason string) (*model.CustodyEvent, error) {
	if !actor.Can(model.CapVoidCustody) {
		return nil, errclass.ErrPermissionDenied.WithMessage("void_custody capability required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("void reason is required")
	}

	target, err := l.store.GetCustodyEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errclass.ErrNotFound.WithMessagef("custody event %s", eventID)
	}

	var out *model.CustodyEvent
	err = l.Mutate(ctx, target.EvidenceID, func(tx *sqliteadapter.Tx) error {
		switch target.Action {
		case model.ActionRecordVoided:
			return errclass.ErrInvalidArgument.WithMessage("a void record cannot be voided")
		case model.ActionCollected:
			return errclass.ErrInvalidArgument.WithMessage("the collection record cannot be voided")
		}
		voided, err := tx.IsCustodyEventVoided(ctx, target.EventID)
		if err != nil {
			return err
		}
		if voided {
			return errclass.ErrConflict.WithMessagef("custody event %s already voided", target.EventID)
		}

		ev, err := l.record(ctx, tx, actor, AppendInput{
			EvidenceID: target.EvidenceID,
			Action:     model.ActionRecordVoided,
			Notes:      reason,
		}, target.EventID)
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Exclusive 持有证据锁执行 fn。需要在锁内做文件 IO 再写库的场景使用。
func (l *Ledger) Exclusive(ctx context.Context, evidenceID string, fn func() error) error {
	if strings.TrimSpace(evidenceID) == "" {
		return errclass.ErrInvalidArgument.WithMessage("evidence_id is required")
	}
	unlock, err := l.locks.Lock(ctx, evidenceID)
	if err != nil {
		return fmt.Errorf("wait custody lock: %w", err)
	}
	defer unlock()
	return fn()
}

// Mutate 在证据锁内开启事务执行 fn。生命周期管理器通过它把状态变更与保管记录放进同一事务。
func (l *Ledger) Mutate(ctx context.Context, evidenceID string, fn func(tx *sqliteadapter.Tx) error) error {
	return l.Exclusive(ctx, evidenceID, func() error {
		return l.store.WithTx(ctx, fn)
	})
}

// RecordInTx 在调用方事务内追加记录，允许系统保留动作。调用方须已通过 Mutate/Exclusive 持有证据锁。
func (l *Ledger) RecordInTx(ctx context.Context, tx *sqliteadapter.Tx, actor model.Actor, in AppendInput) (*model.CustodyEvent, error) {
	return l.record(ctx, tx, actor, in, "")
}

func (l *Ledger) record(ctx context.Context, tx *sqliteadapter.Tx, actor model.Actor, in AppendInput, voids string) (*model.CustodyEvent, error) {
	evidence, err := tx.GetEvidence(ctx, in.EvidenceID)
	if err != nil {
		return nil, err
	}
	if evidence == nil {
		return nil, errclass.ErrNotFound.WithMessagef("evidence %s", in.EvidenceID)
	}

	handler, err := tx.GetUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errclass.ErrNotFound.WithMessagef("handler %s", actor.UserID)
	}
	if !handler.Active {
		return nil, errclass.ErrPermissionDenied.WithMessagef("handler %s is inactive", actor.UserID)
	}

	head, err := tx.CustodyHead(ctx, evidence.EvidenceID)
	if err != nil {
		return nil, err
	}
	if in.ExpectedHeadSeq != 0 {
		current := int64(0)
		if head != nil {
			current = head.Seq
		}
		if current != in.ExpectedHeadSeq {
			return nil, errclass.ErrConflict.WithMessagef("custody head moved: expected seq %d, current %d", in.ExpectedHeadSeq, current)
		}
	}

	occurredAt := in.OccurredAt
	if occurredAt == 0 {
		occurredAt = l.now().Unix()
		if head != nil && occurredAt < head.OccurredAt {
			occurredAt = head.OccurredAt
		}
	} else if head != nil && occurredAt < head.OccurredAt {
		return nil, errclass.ErrInvalidArgument.WithMessagef("occurred_at %d is earlier than the latest custody event (%d)", occurredAt, head.OccurredAt)
	}

	ev := &model.CustodyEvent{
		EventID:      id.New("cus"),
		EvidenceID:   evidence.EvidenceID,
		HandlerID:    handler.UserID,
		Action:       in.Action,
		OccurredAt:   occurredAt,
		Location:     strings.TrimSpace(in.Location),
		Purpose:      strings.TrimSpace(in.Purpose),
		Notes:        strings.TrimSpace(in.Notes),
		VoidsEventID: voids,
	}

	if in.Action == model.ActionTransferred {
		from, err := l.checkTransfer(ctx, tx, actor, evidence, in)
		if err != nil {
			return nil, err
		}
		ev.TransferredFrom = from
		ev.TransferredTo = in.TransferredTo
	}

	if head != nil {
		ev.PrevHash = head.RecordHash
	}
	ev.RecordHash = auditverify.CustodyRecordHash(ev.PrevHash, *ev)

	if err := tx.InsertCustodyEvent(ctx, ev); err != nil {
		return nil, err
	}

	l.log.Info("custody event appended", map[string]string{
		"evidence_id": ev.EvidenceID,
		"event_id":    ev.EventID,
		"action":      ev.Action,
		"handler_id":  ev.HandlerID,
		"seq":         strconv.FormatInt(ev.Seq, 10),
	})
	return ev, nil
}

// checkTransfer 校验移交并返回实际的移出人（当前持有人）。
func (l *Ledger) checkTransfer(ctx context.Context, tx *sqliteadapter.Tx, actor model.Actor, evidence *model.Evidence, in AppendInput) (string, error) {
	to := strings.TrimSpace(in.TransferredTo)
	if to == "" {
		return "", errclass.ErrInvalidTransfer.WithMessage("transferred_to is required")
	}
	if to == actor.UserID {
		return "", errclass.ErrInvalidTransfer.WithMessage("self-transfer is not allowed")
	}

	recipient, err := tx.GetUser(ctx, to)
	if err != nil {
		return "", err
	}
	if recipient == nil {
		return "", errclass.ErrInvalidTransfer.WithMessagef("recipient %s does not exist", to)
	}
	if !recipient.Active {
		return "", errclass.ErrInvalidTransfer.WithMessagef("recipient %s is inactive", to)
	}

	holder, err := holderInTx(ctx, tx, evidence)
	if err != nil {
		return "", err
	}
	if actor.UserID != holder && !actor.Can(model.CapOverrideHolder) {
		return "", errclass.ErrPermissionDenied.WithMessagef("only the current holder %s may transfer this evidence", holder)
	}
	if to == holder {
		return "", errclass.ErrInvalidTransfer.WithMessagef("%s already holds this evidence", to)
	}
	if from := strings.TrimSpace(in.TransferredFrom); from != "" && from != holder {
		return "", errclass.ErrInvalidTransfer.WithMessagef("transferred_from %s is not the current holder %s", from, holder)
	}
	return holder, nil
}

// History 返回证据的保管历史，排序键 (occurred_at, seq)。
func (l *Ledger) History(ctx context.Context, evidenceID string, order model.Order) ([]model.CustodyEvent, error) {
	evidence, err := l.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if evidence == nil {
		return nil, errclass.ErrNotFound.WithMessagef("evidence %s", evidenceID)
	}
	if order != model.ReverseChronological {
		order = model.Chronological
	}
	return l.store.ListCustodyEvents(ctx, evidenceID, order)
}

// LatestHolder 返回当前持有人：最近一次未作废移交的接收人，无移交时为采集人。
func (l *Ledger) LatestHolder(ctx context.Context, evidenceID string) (string, error) {
	var holder string
	err := l.store.WithTx(ctx, func(tx *sqliteadapter.Tx) error {
		evidence, err := tx.GetEvidence(ctx, evidenceID)
		if err != nil {
			return err
		}
		if evidence == nil {
			return errclass.ErrNotFound.WithMessagef("evidence %s", evidenceID)
		}
		holder, err = holderInTx(ctx, tx, evidence)
		return err
	})
	if err != nil {
		return "", err
	}
	return holder, nil
}

// VerifyChain 重算证据保管链的哈希并报告断点。
func (l *Ledger) VerifyChain(ctx context.Context, evidenceID string) (auditverify.Result, error) {
	evidence, err := l.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return auditverify.Result{}, err
	}
	if evidence == nil {
		return auditverify.Result{}, errclass.ErrNotFound.WithMessagef("evidence %s", evidenceID)
	}
	events, err := l.store.ListCustodyChain(ctx, evidenceID)
	if err != nil {
		return auditverify.Result{}, err
	}
	return auditverify.VerifyCustodyChain(events), nil
}

func holderInTx(ctx context.Context, tx *sqliteadapter.Tx, evidence *model.Evidence) (string, error) {
	events, err := tx.ListCustodyEvents(ctx, evidence.EvidenceID, model.Chronological)
	if err != nil {
		return "", err
	}
	return Holder(evidence.CollectedBy, events), nil
}

// Holder 按时间顺序的事件推导当前持有人，忽略已作废的移交。
func Holder(collector string, chronological []model.CustodyEvent) string {
	voided := map[string]bool{}
	for _, ev := range chronological {
		if ev.Action == model.ActionRecordVoided && ev.VoidsEventID != "" {
			voided[ev.VoidsEventID] = true
		}
	}
	holder := collector
	for _, ev := range chronological {
		if ev.Action == model.ActionTransferred && ev.TransferredTo != "" && !voided[ev.EventID] {
			holder = ev.TransferredTo
		}
	}
	return holder
}
