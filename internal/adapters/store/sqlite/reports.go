package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/id"
)

const reportColumns = `
	report_id, case_id, title, report_type, file_path, sha256,
	generated_by, generated_at, generator_version, status
`

// SaveReport 记录报告产物信息，供 UI 或导出流程追踪。
// ReportID/GeneratedAt 为空时自动生成。
func (s *queries) SaveReport(ctx context.Context, r model.ReportInfo) (string, error) {
	if r.ReportID == "" {
		r.ReportID = id.New("rpt")
	}
	if r.GeneratedAt == 0 {
		r.GeneratedAt = time.Now().Unix()
	}
	if r.Status == "" {
		r.Status = "ready"
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reports(
			report_id, case_id, title, report_type, file_path, sha256,
			generated_by, generated_at, generator_version, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ReportID, r.CaseID, r.Title, r.ReportType, r.FilePath, r.SHA256,
		r.GeneratedBy, r.GeneratedAt, r.GeneratorVersion, r.Status)
	if err != nil {
		return "", mapConstraint(fmt.Errorf("insert report: %w", err))
	}
	return r.ReportID, nil
}

// GetReportByID 按报告 ID 查询报告索引。
func (s *queries) GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE report_id = ? LIMIT 1`, reportID)
	return scanReportInfo(row)
}

// GetLatestReportByCase 返回案件某类型的最新报告；reportType 为空表示任意类型。
func (s *queries) GetLatestReportByCase(ctx context.Context, caseID, reportType string) (*model.ReportInfo, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE case_id = ? AND (? = '' OR report_type = ?)
		ORDER BY generated_at DESC, report_id DESC
		LIMIT 1
	`, caseID, reportType, reportType)
	return scanReportInfo(row)
}

// ListReportsByCase 返回案件全部报告索引，按生成时间倒序。
func (s *queries) ListReportsByCase(ctx context.Context, caseID string) ([]model.ReportInfo, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE case_id = ?
		ORDER BY generated_at DESC, report_id DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query reports by case: %w", err)
	}
	defer rows.Close()

	out := []model.ReportInfo{}
	for rows.Next() {
		r, err := scanReportInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

// DeleteReport 删除报告索引行（文件由调用方清理）。
func (s *queries) DeleteReport(ctx context.Context, reportID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM reports WHERE report_id = ?`, reportID); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	return nil
}

func scanReportInfo(row rowScanner) (*model.ReportInfo, error) {
	var out model.ReportInfo
	if err := row.Scan(
		&out.ReportID,
		&out.CaseID,
		&out.Title,
		&out.ReportType,
		&out.FilePath,
		&out.SHA256,
		&out.GeneratedBy,
		&out.GeneratedAt,
		&out.GeneratorVersion,
		&out.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query report info: %w", err)
	}
	return &out, nil
}
