package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"custody-ledger/internal/domain/model"
)

const caseColumns = `
	case_id, case_no, title, COALESCE(description, ''), status, priority,
	created_by, COALESCE(assigned_to, ''), COALESCE(incident_at, 0),
	COALESCE(location, ''), COALESCE(client_name, ''), COALESCE(client_contact, ''),
	created_at, updated_at, COALESCE(closed_at, 0)
`

// NextCaseNo 生成下一个案件编号 DEFM-YYYY-NNN（按年递增）。
// 需在事务内调用，并由 case_no 唯一约束兜底。
func (s *queries) NextCaseNo(ctx context.Context, year int) (string, error) {
	prefix := fmt.Sprintf("DEFM-%d-", year)
	var last string
	err := s.q.QueryRowContext(ctx, `
		SELECT case_no
		FROM cases
		WHERE case_no LIKE ?
		ORDER BY LENGTH(case_no) DESC, case_no DESC
		LIMIT 1
	`, prefix+"%").Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("query last case_no: %w", err)
	}

	next := 1
	if last != "" {
		n, perr := strconv.Atoi(strings.TrimPrefix(last, prefix))
		if perr == nil {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s%03d", prefix, next), nil
}

// InsertCase 写入案件。
func (s *queries) InsertCase(ctx context.Context, c model.Case) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cases(
			case_id, case_no, title, description, status, priority,
			created_by, assigned_to, incident_at, location, client_name, client_contact,
			created_at, updated_at, closed_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CaseID, c.CaseNo, c.Title, nullIfEmpty(c.Description), string(c.Status), string(c.Priority),
		c.CreatedBy, nullIfEmpty(c.AssignedTo), nullIfZero(c.IncidentAt), nullIfEmpty(c.Location),
		nullIfEmpty(c.ClientName), nullIfEmpty(c.ClientContact), c.CreatedAt, c.UpdatedAt, nullIfZero(c.ClosedAt))
	if err != nil {
		return mapConstraint(fmt.Errorf("insert case: %w", err))
	}
	return nil
}

// UpdateCase 覆盖案件可变字段（case_no/created_by/created_at 不变）。
func (s *queries) UpdateCase(ctx context.Context, c model.Case) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE cases
		SET title = ?, description = ?, status = ?, priority = ?, assigned_to = ?,
			incident_at = ?, location = ?, client_name = ?, client_contact = ?,
			updated_at = ?, closed_at = ?
		WHERE case_id = ?
	`, c.Title, nullIfEmpty(c.Description), string(c.Status), string(c.Priority), nullIfEmpty(c.AssignedTo),
		nullIfZero(c.IncidentAt), nullIfEmpty(c.Location), nullIfEmpty(c.ClientName), nullIfEmpty(c.ClientContact),
		c.UpdatedAt, nullIfZero(c.ClosedAt), c.CaseID)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	return nil
}

// DeleteCase 删除案件行；证据存在时外键会拒绝删除。
func (s *queries) DeleteCase(ctx context.Context, caseID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM cases WHERE case_id = ?`, caseID); err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	return nil
}

// GetCase 按 ID 查询案件；不存在返回 nil, nil。
func (s *queries) GetCase(ctx context.Context, caseID string) (*model.Case, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ? LIMIT 1`, caseID)
	return scanCase(row)
}

// ListCases 返回案件列表，按更新时间倒序。
func (s *queries) ListCases(ctx context.Context, f model.CaseFilter) ([]model.Case, error) {
	limit, offset := clampPage(f.Limit, f.Offset, 50, 500)

	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}

	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, created_at DESC, case_no DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	out := []model.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

// CountEvidenceByCase 返回案件下证据数量。
func (s *queries) CountEvidenceByCase(ctx context.Context, caseID string) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence WHERE case_id = ?`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count evidence by case: %w", err)
	}
	return n, nil
}

// DashboardStats 聚合首页统计。
func (s *queries) DashboardStats(ctx context.Context, recent int) (*model.DashboardStats, error) {
	out := &model.DashboardStats{
		CasesByStatus:    map[string]int{},
		CasesByPriority:  map[string]int{},
		EvidenceByStatus: map[string]int{},
		EvidenceByType:   map[string]int{},
	}

	groups := []struct {
		query string
		dst   map[string]int
		total *int
	}{
		{`SELECT status, COUNT(*) FROM cases GROUP BY status`, out.CasesByStatus, &out.TotalCases},
		{`SELECT priority, COUNT(*) FROM cases GROUP BY priority`, out.CasesByPriority, nil},
		{`SELECT status, COUNT(*) FROM evidence GROUP BY status`, out.EvidenceByStatus, &out.TotalEvidence},
		{`SELECT evidence_type, COUNT(*) FROM evidence GROUP BY evidence_type`, out.EvidenceByType, nil},
	}
	for _, g := range groups {
		if err := s.countGroup(ctx, g.query, g.dst, g.total); err != nil {
			return nil, err
		}
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM custody_events`, &out.CustodyEvents},
		{`SELECT COUNT(*) FROM reports`, &out.Reports},
		{`SELECT COUNT(*) FROM users WHERE is_active = 1`, &out.ActiveUsers},
	}
	for _, c := range counts {
		if err := s.q.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("dashboard count: %w", err)
		}
	}

	if recent <= 0 {
		recent = 5
	}
	cases, err := s.ListCases(ctx, model.CaseFilter{Limit: recent})
	if err != nil {
		return nil, err
	}
	out.RecentCases = cases
	return out, nil
}

func (s *queries) countGroup(ctx context.Context, query string, dst map[string]int, total *int) error {
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("dashboard group: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("scan dashboard group: %w", err)
		}
		dst[k] = n
		if total != nil {
			*total += n
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate dashboard group: %w", err)
	}
	return nil
}

func scanCase(row rowScanner) (*model.Case, error) {
	var c model.Case
	var status, priority string
	if err := row.Scan(
		&c.CaseID,
		&c.CaseNo,
		&c.Title,
		&c.Description,
		&status,
		&priority,
		&c.CreatedBy,
		&c.AssignedTo,
		&c.IncidentAt,
		&c.Location,
		&c.ClientName,
		&c.ClientContact,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.ClosedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan case: %w", err)
	}
	c.Status = model.CaseStatus(status)
	c.Priority = model.Priority(priority)
	return &c, nil
}
