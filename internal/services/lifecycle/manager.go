// Package lifecycle 管理证据状态机：collected -> analyzed -> processed -> archived。
// 每次状态相关的变更都与一条保管记录在同一事务中提交。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"custody-ledger/internal/adapters/filestore"
	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/app"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/id"
	"custody-ledger/internal/platform/logging"
	"custody-ledger/internal/services/custody"
	"custody-ledger/internal/services/integrity"
)

// 采集时间允许的时钟偏差。
const collectedAtSkew = 5 * time.Minute

// Manager 是证据生命周期管理器。
type Manager struct {
	store    *sqliteadapter.Store
	ledger   *custody.Ledger
	files    *filestore.Store
	verifier *integrity.Verifier
	cfg      app.Config
	log      logging.Logger
	now      func() time.Time
}

// NewManager 组装生命周期管理器。
func NewManager(store *sqliteadapter.Store, ledger *custody.Ledger, files *filestore.Store, verifier *integrity.Verifier, cfg app.Config, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop{}
	}
	if verifier == nil {
		verifier = integrity.New(cfg.HashTimeout)
	}
	return &Manager{
		store:    store,
		ledger:   ledger,
		files:    files,
		verifier: verifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// RegisterInput 是登记证据的输入。
type RegisterInput struct {
	CaseID             string             `json:"case_id"`
	Title              string             `json:"title"`
	Description        string             `json:"description,omitempty"`
	Type               model.EvidenceType `json:"evidence_type"`
	CollectedAt        int64              `json:"collected_at,omitempty"`
	CollectionLocation string             `json:"collection_location,omitempty"`
	CollectionMethod   string             `json:"collection_method,omitempty"`
}

// DetailsPatch 只允许修改描述性字段；nil 表示不修改。
type DetailsPatch struct {
	Title              *string `json:"title,omitempty"`
	Description        *string `json:"description,omitempty"`
	CollectionLocation *string `json:"collection_location,omitempty"`
	CollectionMethod   *string `json:"collection_method,omitempty"`
}

// IntegrityReport 是一次完整性校验的结果。
type IntegrityReport struct {
	EvidenceID     string `json:"evidence_id"`
	EvidenceNo     string `json:"evidence_no"`
	Result         string `json:"result"` // pass / fail / unavailable
	ExpectedSHA256 string `json:"expected_sha256"`
	ActualSHA256   string `json:"actual_sha256,omitempty"`
	ExpectedSize   int64  `json:"expected_size"`
	ActualSize     int64  `json:"actual_size,omitempty"`
	CheckedAt      int64  `json:"checked_at"`
	EventID        string `json:"event_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// 完整性校验结论。
const (
	ResultPass        = "pass"
	ResultFail        = "fail"
	ResultUnavailable = "unavailable"
)

// Register 登记证据：状态为 collected，并在同一事务中写入 collected 保管记录。
func (m *Manager) Register(ctx context.Context, actor model.Actor, in RegisterInput) (*model.Evidence, error) {
	if !actor.Can(model.CapWriteRecords) {
		return nil, errclass.ErrPermissionDenied.WithMessage("write_records capability required")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("title is required")
	}
	if in.Type == "" {
		in.Type = model.EvidenceOther
	}
	if !in.Type.Valid() {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown evidence type %q", in.Type)
	}

	now := m.now()
	if in.CollectedAt == 0 {
		in.CollectedAt = now.Unix()
	}
	if in.CollectedAt > now.Add(collectedAtSkew).Unix() {
		return nil, errclass.ErrInvalidArgument.WithMessage("collected_at is in the future")
	}

	e := model.Evidence{
		EvidenceID:         id.New("evd"),
		CaseID:             in.CaseID,
		Title:              in.Title,
		Description:        strings.TrimSpace(in.Description),
		Type:               in.Type,
		Status:             model.EvidenceCollected,
		CollectedBy:        actor.UserID,
		CollectedAt:        in.CollectedAt,
		CollectionLocation: strings.TrimSpace(in.CollectionLocation),
		CollectionMethod:   strings.TrimSpace(in.CollectionMethod),
		CreatedAt:          now.Unix(),
		UpdatedAt:          now.Unix(),
	}

	err := m.ledger.Mutate(ctx, e.EvidenceID, func(tx *sqliteadapter.Tx) error {
		c, err := tx.GetCase(ctx, in.CaseID)
		if err != nil {
			return err
		}
		if c == nil {
			return errclass.ErrNotFound.WithMessagef("case %s", in.CaseID)
		}
		if c.Status == model.CaseArchived {
			return errclass.ErrInvalidStateTransition.WithMessagef("case %s is archived", c.CaseNo)
		}
		collector, err := tx.GetUser(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if collector == nil {
			return errclass.ErrNotFound.WithMessagef("user %s", actor.UserID)
		}

		e.EvidenceNo, err = tx.NextEvidenceNo(ctx, c.CaseID, c.CaseNo)
		if err != nil {
			return err
		}
		if err := tx.InsertEvidence(ctx, e); err != nil {
			return err
		}
		_, err = m.ledger.RecordInTx(ctx, tx, actor, custody.AppendInput{
			EvidenceID: e.EvidenceID,
			Action:     model.ActionCollected,
			OccurredAt: e.CollectedAt,
			Location:   e.CollectionLocation,
			Notes:      e.CollectionMethod,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("evidence registered", map[string]string{
		"evidence_id": e.EvidenceID,
		"evidence_no": e.EvidenceNo,
		"case_id":     e.CaseID,
	})
	return &e, nil
}

// Transition 推进证据状态。只允许向前（可跳级），archived 为终态。
func (m *Manager) Transition(ctx context.Context, actor model.Actor, evidenceID string, to model.EvidenceStatus, notes string) (*model.Evidence, error) {
	if !actor.Can(model.CapWriteRecords) {
		return nil, errclass.ErrPermissionDenied.WithMessage("write_records capability required")
	}
	if to.Rank() < 0 {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown evidence status %q", to)
	}

	var out *model.Evidence
	err := m.ledger.Mutate(ctx, evidenceID, func(tx *sqliteadapter.Tx) error {
		e, err := tx.GetEvidence(ctx, evidenceID)
		if err != nil {
			return err
		}
		if e == nil {
			return errclass.ErrNotFound.WithMessagef("evidence %s", evidenceID)
		}
		if e.Status.Terminal() || to.Rank() <= e.Status.Rank() {
			return errclass.ErrInvalidStateTransition.WithMessagef("cannot move evidence from %s to %s", e.Status, to)
		}

		ev, err := m.ledger.RecordInTx(ctx, tx, actor, custody.AppendInput{
			EvidenceID: evidenceID,
			Action:     string(to),
			Notes:      notes,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateEvidenceStatus(ctx, evidenceID, to, ev.OccurredAt); err != nil {
			return err
		}
		e.Status = to
		e.UpdatedAt = ev.OccurredAt
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("evidence status changed", map[string]string{
		"evidence_id": evidenceID,
		"status":      string(to),
	})
	return out, nil
}

// AttachFile 附加证据文件：边写边算摘要，登记描述并写入 file_attached 保管记录。
// 每个证据只能附加一次；archived 证据拒绝附加。
func (m *Manager) AttachFile(ctx context.Context, actor model.Actor, evidenceID string, content io.Reader, declaredName, mediaType string) (*model.Evidence, error) {
	if !actor.Can(model.CapWriteRecords) {
		return nil, errclass.ErrPermissionDenied.WithMessage("write_records capability required")
	}
	name := filestore.SafeName(declaredName)
	if ext := filestore.Ext(name); !m.cfg.FileTypeAllowed(ext) {
		return nil, errclass.ErrInvalidArgument.WithMessagef("file type %q is not allowed", ext)
	}

	var out *model.Evidence
	err := m.ledger.Exclusive(ctx, evidenceID, func() error {
		e, err := m.store.GetEvidence(ctx, evidenceID)
		if err != nil {
			return err
		}
		if err := checkAttachable(e, evidenceID); err != nil {
			return err
		}

		fd, err := m.files.Save(ctx, e.CaseID, e.EvidenceID, name, mediaType, content)
		if err != nil {
			return err
		}

		err = m.store.WithTx(ctx, func(tx *sqliteadapter.Tx) error {
			cur, err := tx.GetEvidence(ctx, evidenceID)
			if err != nil {
				return err
			}
			if err := checkAttachable(cur, evidenceID); err != nil {
				return err
			}
			ev, err := m.ledger.RecordInTx(ctx, tx, actor, custody.AppendInput{
				EvidenceID: evidenceID,
				Action:     model.ActionFileAttached,
				Notes:      fmt.Sprintf("file=%s; size=%d; sha256=%s", fd.FileName, fd.SizeBytes, fd.SHA256),
			})
			if err != nil {
				return err
			}
			ok, err := tx.SetEvidenceFile(ctx, evidenceID, fd, ev.OccurredAt)
			if err != nil {
				return err
			}
			if !ok {
				return errclass.ErrInvalidStateTransition.WithMessage("a file is already attached")
			}
			cur.File = &fd
			cur.UpdatedAt = ev.OccurredAt
			out = cur
			return nil
		})
		if err != nil {
			_ = m.files.Remove(fd)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("evidence file attached", map[string]string{
		"evidence_id": evidenceID,
		"sha256":      out.File.SHA256,
		"size":        fmt.Sprintf("%d", out.File.SizeBytes),
	})
	return out, nil
}

func checkAttachable(e *model.Evidence, evidenceID string) error {
	if e == nil {
		return errclass.ErrNotFound.WithMessagef("evidence %s", evidenceID)
	}
	if e.Status.Terminal() {
		return errclass.ErrInvalidStateTransition.WithMessage("archived evidence cannot take a file")
	}
	if e.File != nil {
		return errclass.ErrInvalidStateTransition.WithMessage("a file is already attached")
	}
	return nil
}

// VerifyIntegrity 重新读取已存文件并与登记摘要比对，结果写入 integrity_check 保管记录。
//
// 未附加文件返回 NoDescriptor；文件不可读返回 SourceUnavailable；
// 摘要不一致返回报告与 IntegrityMismatch。结果只报告，不做任何修正。
func (m *Manager) VerifyIntegrity(ctx context.Context, actor model.Actor, evidenceID string) (*IntegrityReport, error) {
	if !actor.Can(model.CapWriteRecords) {
		return nil, errclass.ErrPermissionDenied.WithMessage("write_records capability required")
	}
	e, err := m.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errclass.ErrNotFound.WithMessagef("evidence %s", evidenceID)
	}
	if e.File == nil {
		return nil, errclass.ErrNoDescriptor.WithMessagef("evidence %s has no attached file", e.EvidenceNo)
	}

	report := &IntegrityReport{
		EvidenceID:     e.EvidenceID,
		EvidenceNo:     e.EvidenceNo,
		ExpectedSHA256: e.File.SHA256,
		ExpectedSize:   e.File.SizeBytes,
	}

	var verdict error
	fresh, derr := m.verifier.DigestFile(ctx, e.File.StoragePath)
	switch {
	case derr == nil:
		report.ActualSHA256 = fresh.SHA256
		report.ActualSize = fresh.Size
		stored := integrity.Digest{SHA256: e.File.SHA256, Size: e.File.SizeBytes}
		if integrity.Compare(stored, fresh) == integrity.Match {
			report.Result = ResultPass
		} else {
			report.Result = ResultFail
			verdict = errclass.ErrIntegrityMismatch.WithMessagef("evidence %s: expected %s, got %s", e.EvidenceNo, e.File.SHA256, fresh.SHA256)
		}
	case errors.Is(derr, errclass.ErrSourceUnavailable):
		report.Result = ResultUnavailable
		report.Error = derr.Error()
		verdict = derr
	default:
		// 调用方取消：不留下任何校验记录。
		return nil, derr
	}

	notes := fmt.Sprintf("result=%s; expected=%s", report.Result, report.ExpectedSHA256)
	if report.ActualSHA256 != "" {
		notes += "; actual=" + report.ActualSHA256
	}
	if report.Error != "" {
		notes += "; error=" + report.Error
	}

	err = m.ledger.Mutate(ctx, evidenceID, func(tx *sqliteadapter.Tx) error {
		ev, err := m.ledger.RecordInTx(ctx, tx, actor, custody.AppendInput{
			EvidenceID: evidenceID,
			Action:     model.ActionIntegrityCheck,
			Notes:      notes,
		})
		if err != nil {
			return err
		}
		report.EventID = ev.EventID
		report.CheckedAt = ev.OccurredAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta := map[string]string{"evidence_id": evidenceID, "result": report.Result}
	if verdict != nil {
		m.log.Warn("integrity check failed", meta)
	} else {
		m.log.Info("integrity check passed", meta)
	}
	return report, verdict
}

// UpdateDetails 修改证据描述性字段，不触碰状态与文件描述。
func (m *Manager) UpdateDetails(ctx context.Context, actor model.Actor, evidenceID string, patch DetailsPatch) (*model.Evidence, error) {
	if !actor.Can(model.CapWriteRecords) {
		return nil, errclass.ErrPermissionDenied.WithMessage("write_records capability required")
	}

	var out *model.Evidence
	err := m.ledger.Mutate(ctx, evidenceID, func(tx *sqliteadapter.Tx) error {
		e, err := tx.GetEvidence(ctx, evidenceID)
		if err != nil {
			return err
		}
		if e == nil {
			return errclass.ErrNotFound.WithMessagef("evidence %s", evidenceID)
		}
		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return errclass.ErrInvalidArgument.WithMessage("title cannot be empty")
			}
			e.Title = title
		}
		if patch.Description != nil {
			e.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.CollectionLocation != nil {
			e.CollectionLocation = strings.TrimSpace(*patch.CollectionLocation)
		}
		if patch.CollectionMethod != nil {
			e.CollectionMethod = strings.TrimSpace(*patch.CollectionMethod)
		}
		e.UpdatedAt = m.now().Unix()
		if err := tx.UpdateEvidenceDetails(ctx, *e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get 返回证据详情。
func (m *Manager) Get(ctx context.Context, evidenceID string) (*model.Evidence, error) {
	e, err := m.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errclass.ErrNotFound.WithMessagef("evidence %s", evidenceID)
	}
	return e, nil
}

// Search 按条件检索证据。
func (m *Manager) Search(ctx context.Context, f model.EvidenceFilter) ([]model.Evidence, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown evidence type %q", f.Type)
	}
	if f.Status != "" && f.Status.Rank() < 0 {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown evidence status %q", f.Status)
	}
	return m.store.ListEvidence(ctx, f)
}

// OpenFile 打开证据文件用于下载；调用方负责关闭。
func (m *Manager) OpenFile(ctx context.Context, evidenceID string) (*os.File, *model.Evidence, error) {
	e, err := m.Get(ctx, evidenceID)
	if err != nil {
		return nil, nil, err
	}
	if e.File == nil {
		return nil, nil, errclass.ErrNoDescriptor.WithMessagef("evidence %s has no attached file", e.EvidenceNo)
	}
	f, err := m.files.Open(*e.File)
	if err != nil {
		return nil, nil, err
	}
	return f, e, nil
}
