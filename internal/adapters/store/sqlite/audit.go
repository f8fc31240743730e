package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/hash"
	"custody-ledger/internal/platform/id"
)

// AuditEntry 是一次审计写入的输入。
type AuditEntry struct {
	UserID     string
	Action     string
	EntityType string
	EntityID   string
	Detail     any
	IPAddress  string
	UserAgent  string
}

// AuditChainHash 计算审计链 hash：
// sha256(prev, user_id, action, entity_type, entity_id, occurred_at, detail_json, ip, user_agent)。
// detail_json 取紧凑格式，auditverify 使用同一公式。
func AuditChainHash(prev string, l model.AuditLog) string {
	return hash.Text(
		prev,
		l.UserID,
		l.Action,
		l.EntityType,
		l.EntityID,
		strconv.FormatInt(l.OccurredAt, 10),
		compactDetail(l.DetailJSON),
		l.IPAddress,
		l.UserAgent,
	)
}

// AppendAudit 在独立事务中写入审计日志；链头被并发推进时重试。
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.WithTx(ctx, func(tx *Tx) error {
			return tx.AppendAudit(ctx, e)
		})
		if !errors.Is(err, errclass.ErrConflict) {
			return err
		}
	}
	return err
}

// AppendAudit 写入审计日志，并生成链式 hash 以便后续校验完整性。
// 在事务内调用时与业务写入同提交、同回滚。
func (s *queries) AppendAudit(ctx context.Context, e AuditEntry) error {
	detailJSON := []byte("{}")
	if e.Detail != nil {
		raw, err := json.Marshal(e.Detail)
		if err == nil {
			detailJSON = raw
		}
	}

	prev := ""
	err := s.q.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		ORDER BY seq DESC
		LIMIT 1
	`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	entry := model.AuditLog{
		EventID:       id.New("aud"),
		UserID:        e.UserID,
		Action:        e.Action,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		DetailJSON:    detailJSON,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		OccurredAt:    time.Now().Unix(),
		ChainPrevHash: prev,
	}
	entry.ChainHash = AuditChainHash(prev, entry)

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, user_id, action, entity_type, entity_id, detail_json,
			ip_address, user_agent, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.EventID, nullIfEmpty(entry.UserID), entry.Action, entry.EntityType, nullIfEmpty(entry.EntityID),
		string(detailJSON), nullIfEmpty(entry.IPAddress), nullIfEmpty(entry.UserAgent),
		entry.OccurredAt, entry.ChainPrevHash, entry.ChainHash)
	if err != nil {
		return mapConstraint(fmt.Errorf("insert audit log: %w", err))
	}
	return nil
}

// ListAuditLogs 按条件返回审计日志（按写入顺序升序）。
func (s *queries) ListAuditLogs(ctx context.Context, f model.AuditFilter) ([]model.AuditLog, error) {
	limit, offset := clampPage(f.Limit, f.Offset, 500, 5000)

	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.EntityType != "" {
		add("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.Since > 0 {
		add("occurred_at >= ?", f.Since)
	}
	if f.Until > 0 {
		add("occurred_at <= ?", f.Until)
	}

	query := `
		SELECT
			event_id,
			COALESCE(user_id, ''),
			action,
			entity_type,
			COALESCE(entity_id, ''),
			detail_json,
			COALESCE(ip_address, ''),
			COALESCE(user_agent, ''),
			occurred_at,
			chain_prev_hash,
			chain_hash
		FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	out := []model.AuditLog{}
	for rows.Next() {
		var item model.AuditLog
		var detail string
		if err := rows.Scan(
			&item.EventID,
			&item.UserID,
			&item.Action,
			&item.EntityType,
			&item.EntityID,
			&detail,
			&item.IPAddress,
			&item.UserAgent,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.DetailJSON = json.RawMessage(detail)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return out, nil
}

// ListAuditChain 返回完整审计链（按写入顺序），用于整链校验。
func (s *queries) ListAuditChain(ctx context.Context) ([]model.AuditLog, error) {
	var out []model.AuditLog
	const page = 5000
	for offset := 0; ; offset += page {
		batch, err := s.ListAuditLogs(ctx, model.AuditFilter{Limit: page, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page {
			break
		}
	}
	if out == nil {
		out = []model.AuditLog{}
	}
	return out, nil
}

func compactDetail(in []byte) string {
	if len(bytes.TrimSpace(in)) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, in); err == nil {
		return b.String()
	}
	return strings.TrimSpace(string(in))
}
