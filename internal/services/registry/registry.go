// Package registry 是案件聚合根及其证据的查询入口。
package registry

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/id"
	"custody-ledger/internal/platform/logging"
)

// Registry 提供案件增删改查与案件级查询。
type Registry struct {
	store *sqliteadapter.Store
	log   logging.Logger
	now   func() time.Time
}

func New(store *sqliteadapter.Store, log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop{}
	}
	return &Registry{store: store, log: log, now: time.Now}
}

// CaseInput 是创建案件的输入。
type CaseInput struct {
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Priority      model.Priority `json:"priority,omitempty"`
	AssignedTo    string         `json:"assigned_to,omitempty"`
	IncidentAt    int64          `json:"incident_at,omitempty"`
	Location      string         `json:"location,omitempty"`
	ClientName    string         `json:"client_name,omitempty"`
	ClientContact string         `json:"client_contact,omitempty"`
}

// CasePatch 是案件部分更新；nil 字段保持不变。
type CasePatch struct {
	Title         *string           `json:"title,omitempty"`
	Description   *string           `json:"description,omitempty"`
	Status        *model.CaseStatus `json:"status,omitempty"`
	Priority      *model.Priority   `json:"priority,omitempty"`
	AssignedTo    *string           `json:"assigned_to,omitempty"`
	IncidentAt    *int64            `json:"incident_at,omitempty"`
	Location      *string           `json:"location,omitempty"`
	ClientName    *string           `json:"client_name,omitempty"`
	ClientContact *string           `json:"client_contact,omitempty"`
}

// CreateCase 创建案件，编号 DEFM-YYYY-NNN。
func (r *Registry) CreateCase(ctx context.Context, actor model.Actor, in CaseInput) (*model.Case, error) {
	if !actor.Can(model.CapWriteRecords) {
		return nil, errclass.ErrPermissionDenied.WithMessage("write_records capability required")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("title is required")
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown priority %q", in.Priority)
	}

	now := r.now()
	c := model.Case{
		CaseID:        id.New("case"),
		Title:         in.Title,
		Description:   strings.TrimSpace(in.Description),
		Status:        model.CaseOpen,
		Priority:      in.Priority,
		CreatedBy:     actor.UserID,
		AssignedTo:    strings.TrimSpace(in.AssignedTo),
		IncidentAt:    in.IncidentAt,
		Location:      strings.TrimSpace(in.Location),
		ClientName:    strings.TrimSpace(in.ClientName),
		ClientContact: strings.TrimSpace(in.ClientContact),
		CreatedAt:     now.Unix(),
		UpdatedAt:     now.Unix(),
	}

	err := r.store.WithTx(ctx, func(tx *sqliteadapter.Tx) error {
		if err := requireActiveUser(ctx, tx, actor.UserID, "creator"); err != nil {
			return err
		}
		if c.AssignedTo != "" {
			if err := requireActiveUser(ctx, tx, c.AssignedTo, "assignee"); err != nil {
				return err
			}
		}
		no, err := tx.NextCaseNo(ctx, now.Year())
		if err != nil {
			return err
		}
		c.CaseNo = no
		return tx.InsertCase(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("case created", map[string]string{"case_id": c.CaseID, "case_no": c.CaseNo})
	return &c, nil
}

// UpdateCase 部分更新案件。closed_at 在状态为 closed 时设置，其余状态清空。
func (r *Registry) UpdateCase(ctx context.Context, actor model.Actor, caseID string, p CasePatch) (*model.Case, error) {
	if !actor.Can(model.CapWriteRecords) {
		return nil, errclass.ErrPermissionDenied.WithMessage("write_records capability required")
	}

	var out *model.Case
	err := r.store.WithTx(ctx, func(tx *sqliteadapter.Tx) error {
		c, err := tx.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c == nil {
			return errclass.ErrNotFound.WithMessagef("case %s", caseID)
		}

		if p.Title != nil {
			title := strings.TrimSpace(*p.Title)
			if title == "" {
				return errclass.ErrInvalidArgument.WithMessage("title cannot be empty")
			}
			c.Title = title
		}
		if p.Description != nil {
			c.Description = strings.TrimSpace(*p.Description)
		}
		if p.Priority != nil {
			if !p.Priority.Valid() {
				return errclass.ErrInvalidArgument.WithMessagef("unknown priority %q", *p.Priority)
			}
			c.Priority = *p.Priority
		}
		if p.AssignedTo != nil {
			assignee := strings.TrimSpace(*p.AssignedTo)
			if assignee != "" {
				if err := requireActiveUser(ctx, tx, assignee, "assignee"); err != nil {
					return err
				}
			}
			c.AssignedTo = assignee
		}
		if p.IncidentAt != nil {
			c.IncidentAt = *p.IncidentAt
		}
		if p.Location != nil {
			c.Location = strings.TrimSpace(*p.Location)
		}
		if p.ClientName != nil {
			c.ClientName = strings.TrimSpace(*p.ClientName)
		}
		if p.ClientContact != nil {
			c.ClientContact = strings.TrimSpace(*p.ClientContact)
		}

		now := r.now().Unix()
		if p.Status != nil {
			if !p.Status.Valid() {
				return errclass.ErrInvalidArgument.WithMessagef("unknown case status %q", *p.Status)
			}
			if *p.Status != c.Status {
				c.Status = *p.Status
				if c.Status == model.CaseClosed {
					c.ClosedAt = now
				} else {
					c.ClosedAt = 0
				}
			}
		}
		c.UpdatedAt = now

		if err := tx.UpdateCase(ctx, *c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteCase 删除案件。存在证据时拒绝（Conflict）；同时删除该案件生成的报告文件。
func (r *Registry) DeleteCase(ctx context.Context, actor model.Actor, caseID string) error {
	if !actor.Can(model.CapDeleteRecords) {
		return errclass.ErrPermissionDenied.WithMessage("delete_records capability required")
	}

	var reports []model.ReportInfo
	err := r.store.WithTx(ctx, func(tx *sqliteadapter.Tx) error {
		c, err := tx.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c == nil {
			return errclass.ErrNotFound.WithMessagef("case %s", caseID)
		}
		n, err := tx.CountEvidenceByCase(ctx, caseID)
		if err != nil {
			return err
		}
		if n > 0 {
			return errclass.ErrConflict.WithMessagef("case %s still owns %d evidence items", c.CaseNo, n)
		}
		reports, err = tx.ListReportsByCase(ctx, caseID)
		if err != nil {
			return err
		}
		return tx.DeleteCase(ctx, caseID)
	})
	if err != nil {
		return err
	}

	for _, rep := range reports {
		if err := os.Remove(rep.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("remove report file failed", map[string]string{"report_id": rep.ReportID, "error": err.Error()})
		}
	}
	r.log.Info("case deleted", map[string]string{"case_id": caseID})
	return nil
}

// GetCase 返回案件详情。
func (r *Registry) GetCase(ctx context.Context, caseID string) (*model.Case, error) {
	c, err := r.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errclass.ErrNotFound.WithMessagef("case %s", caseID)
	}
	return c, nil
}

// ListCases 按条件列出案件。
func (r *Registry) ListCases(ctx context.Context, f model.CaseFilter) ([]model.Case, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, errclass.ErrInvalidArgument.WithMessagef("unknown case status %q", st)
		}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown priority %q", f.Priority)
	}
	return r.store.ListCases(ctx, f)
}

// EvidenceFor 返回案件下全部证据。
func (r *Registry) EvidenceFor(ctx context.Context, caseID string) ([]model.Evidence, error) {
	if _, err := r.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return r.store.ListCaseEvidence(ctx, caseID)
}

// OpenCasesAssignedTo 返回指派给用户、状态为 open 或 in_progress 的案件。
func (r *Registry) OpenCasesAssignedTo(ctx context.Context, userID string) ([]model.Case, error) {
	return r.store.ListCases(ctx, model.CaseFilter{
		AssignedTo: userID,
		Statuses:   []model.CaseStatus{model.CaseOpen, model.CaseInProgress},
		Limit:      500,
	})
}

// CasesByStatus 返回指定状态的案件。
func (r *Registry) CasesByStatus(ctx context.Context, status model.CaseStatus) ([]model.Case, error) {
	if !status.Valid() {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown case status %q", status)
	}
	return r.store.ListCases(ctx, model.CaseFilter{Statuses: []model.CaseStatus{status}, Limit: 500})
}

// Dashboard 返回首页统计。
func (r *Registry) Dashboard(ctx context.Context) (*model.DashboardStats, error) {
	return r.store.DashboardStats(ctx, 5)
}

func requireActiveUser(ctx context.Context, tx *sqliteadapter.Tx, userID, role string) error {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return errclass.ErrNotFound.WithMessagef("%s %s", role, userID)
	}
	if !u.Active {
		return errclass.ErrInvalidArgument.WithMessagef("%s %s is inactive", role, userID)
	}
	return nil
}
