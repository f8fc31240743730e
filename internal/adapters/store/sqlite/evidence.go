package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"custody-ledger/internal/domain/model"
)

const evidenceColumns = `
	evidence_id, evidence_no, case_id, title, COALESCE(description, ''),
	evidence_type, status,
	COALESCE(file_name, ''), COALESCE(storage_path, ''), COALESCE(size_bytes, 0),
	COALESCE(sha256, ''), COALESCE(mime_type, ''),
	collected_by, collected_at, COALESCE(collection_location, ''), COALESCE(collection_method, ''),
	created_at, updated_at
`

// NextEvidenceNo 生成案件内下一个证据编号 <case_no>-EVD-NNN。
// 证据不会被物理删除，按数量递增即可；唯一约束兜底。
func (s *queries) NextEvidenceNo(ctx context.Context, caseID, caseNo string) (string, error) {
	n, err := s.CountEvidenceByCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-EVD-%03d", caseNo, n+1), nil
}

// InsertEvidence 写入证据（不含文件描述，文件通过 SetEvidenceFile 附加）。
func (s *queries) InsertEvidence(ctx context.Context, e model.Evidence) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO evidence(
			evidence_id, evidence_no, case_id, title, description, evidence_type, status,
			collected_by, collected_at, collection_location, collection_method,
			created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EvidenceID, e.EvidenceNo, e.CaseID, e.Title, nullIfEmpty(e.Description), string(e.Type), string(e.Status),
		e.CollectedBy, e.CollectedAt, nullIfEmpty(e.CollectionLocation), nullIfEmpty(e.CollectionMethod),
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return mapConstraint(fmt.Errorf("insert evidence: %w", err))
	}
	return nil
}

// GetEvidence 按 ID 查询证据；不存在返回 nil, nil。
func (s *queries) GetEvidence(ctx context.Context, evidenceID string) (*model.Evidence, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE evidence_id = ? LIMIT 1`, evidenceID)
	return scanEvidence(row)
}

// UpdateEvidenceStatus 更新证据状态。调用方负责状态机校验。
func (s *queries) UpdateEvidenceStatus(ctx context.Context, evidenceID string, status model.EvidenceStatus, at int64) error {
	if _, err := s.q.ExecContext(ctx, `
		UPDATE evidence SET status = ?, updated_at = ? WHERE evidence_id = ?
	`, string(status), at, evidenceID); err != nil {
		return fmt.Errorf("update evidence status: %w", err)
	}
	return nil
}

// SetEvidenceFile 附加文件描述。只在尚未附加时生效，返回是否写入成功。
func (s *queries) SetEvidenceFile(ctx context.Context, evidenceID string, fd model.FileDescriptor, at int64) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE evidence
		SET file_name = ?, storage_path = ?, size_bytes = ?, sha256 = ?, mime_type = ?, updated_at = ?
		WHERE evidence_id = ? AND storage_path IS NULL
	`, fd.FileName, fd.StoragePath, fd.SizeBytes, fd.SHA256, nullIfEmpty(fd.MimeType), at, evidenceID)
	if err != nil {
		return false, fmt.Errorf("set evidence file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set evidence file rows: %w", err)
	}
	return n == 1, nil
}

// UpdateEvidenceDetails 更新描述性字段，不涉及状态与文件描述。
func (s *queries) UpdateEvidenceDetails(ctx context.Context, e model.Evidence) error {
	if _, err := s.q.ExecContext(ctx, `
		UPDATE evidence
		SET title = ?, description = ?, collection_location = ?, collection_method = ?, updated_at = ?
		WHERE evidence_id = ?
	`, e.Title, nullIfEmpty(e.Description), nullIfEmpty(e.CollectionLocation), nullIfEmpty(e.CollectionMethod),
		e.UpdatedAt, e.EvidenceID); err != nil {
		return fmt.Errorf("update evidence details: %w", err)
	}
	return nil
}

// caseEvidencePage 是 ListCaseEvidence 的分页大小，不超过 ListEvidence 的单页上限。
var caseEvidencePage = 1000

// ListCaseEvidence 分页读出案件下全部证据，按证据编号升序。
func (s *queries) ListCaseEvidence(ctx context.Context, caseID string) ([]model.Evidence, error) {
	out := []model.Evidence{}
	for offset := 0; ; offset += caseEvidencePage {
		batch, err := s.ListEvidence(ctx, model.EvidenceFilter{CaseID: caseID, Limit: caseEvidencePage, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < caseEvidencePage {
			return out, nil
		}
	}
}

// ListEvidence 按条件检索证据，按证据编号升序。
func (s *queries) ListEvidence(ctx context.Context, f model.EvidenceFilter) ([]model.Evidence, error) {
	limit, offset := clampPage(f.Limit, f.Offset, 200, 1000)

	var where []string
	var args []any
	if f.CaseID != "" {
		where = append(where, "case_id = ?")
		args = append(args, f.CaseID)
	}
	if f.Type != "" {
		where = append(where, "evidence_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + escapeLike(q) + "%"
		where = append(where, `(title LIKE ? ESCAPE '\' OR COALESCE(description, '') LIKE ? ESCAPE '\' OR evidence_no LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}

	query := `SELECT ` + evidenceColumns + ` FROM evidence`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY evidence_no ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	out := []model.Evidence{}
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanEvidence(row rowScanner) (*model.Evidence, error) {
	var e model.Evidence
	var typ, status string
	var fd model.FileDescriptor
	if err := row.Scan(
		&e.EvidenceID,
		&e.EvidenceNo,
		&e.CaseID,
		&e.Title,
		&e.Description,
		&typ,
		&status,
		&fd.FileName,
		&fd.StoragePath,
		&fd.SizeBytes,
		&fd.SHA256,
		&fd.MimeType,
		&e.CollectedBy,
		&e.CollectedAt,
		&e.CollectionLocation,
		&e.CollectionMethod,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan evidence: %w", err)
	}
	e.Type = model.EvidenceType(typ)
	e.Status = model.EvidenceStatus(status)
	if fd.StoragePath != "" {
		e.File = &fd
	}
	return &e, nil
}
