package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"custody-ledger/internal/domain/model"
)

const custodyColumns = `
	seq, event_id, evidence_id, handler_id, action, occurred_at,
	COALESCE(location, ''), COALESCE(purpose, ''), COALESCE(notes, ''),
	COALESCE(transferred_from, ''), COALESCE(transferred_to, ''), COALESCE(voids_event_id, ''),
	prev_hash, record_hash
`

// InsertCustodyEvent 追加一条保管记录，并回填 Seq。
// 同一证据链头已被其他写入者推进时（prev_hash 唯一冲突）返回 Conflict。
func (s *queries) InsertCustodyEvent(ctx context.Context, ev *model.CustodyEvent) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO custody_events(
			event_id, evidence_id, handler_id, action, occurred_at,
			location, purpose, notes, transferred_from, transferred_to, voids_event_id,
			prev_hash, record_hash, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.EvidenceID, ev.HandlerID, ev.Action, ev.OccurredAt,
		nullIfEmpty(ev.Location), nullIfEmpty(ev.Purpose), nullIfEmpty(ev.Notes),
		nullIfEmpty(ev.TransferredFrom), nullIfEmpty(ev.TransferredTo), nullIfEmpty(ev.VoidsEventID),
		ev.PrevHash, ev.RecordHash, time.Now().Unix())
	if err != nil {
		return mapConstraint(fmt.Errorf("insert custody event: %w", err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("custody event seq: %w", err)
	}
	ev.Seq = seq
	return nil
}

// CustodyHead 返回证据链的最后一条记录（按追加顺序）；无记录返回 nil, nil。
func (s *queries) CustodyHead(ctx context.Context, evidenceID string) (*model.CustodyEvent, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+custodyColumns+`
		FROM custody_events
		WHERE evidence_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, evidenceID)
	return scanCustodyEvent(row)
}

// GetCustodyEvent 按事件 ID 查询；不存在返回 nil, nil。
func (s *queries) GetCustodyEvent(ctx context.Context, eventID string) (*model.CustodyEvent, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+custodyColumns+` FROM custody_events WHERE event_id = ? LIMIT 1`, eventID)
	return scanCustodyEvent(row)
}

// ListCustodyEvents 返回证据的全部保管记录，排序键为 (occurred_at, seq)。
func (s *queries) ListCustodyEvents(ctx context.Context, evidenceID string, order model.Order) ([]model.CustodyEvent, error) {
	dir := "ASC"
	if order == model.ReverseChronological {
		dir = "DESC"
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+custodyColumns+`
		FROM custody_events
		WHERE evidence_id = ?
		ORDER BY occurred_at `+dir+`, seq `+dir, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query custody events: %w", err)
	}
	defer rows.Close()

	out := []model.CustodyEvent{}
	for rows.Next() {
		ev, err := scanCustodyEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody events: %w", err)
	}
	return out, nil
}

// ListCustodyChain 按追加顺序（seq）返回证据链，用于哈希链校验。
func (s *queries) ListCustodyChain(ctx context.Context, evidenceID string) ([]model.CustodyEvent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+custodyColumns+`
		FROM custody_events
		WHERE evidence_id = ?
		ORDER BY seq ASC
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query custody chain: %w", err)
	}
	defer rows.Close()

	out := []model.CustodyEvent{}
	for rows.Next() {
		ev, err := scanCustodyEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody chain: %w", err)
	}
	return out, nil
}

// IsCustodyEventVoided 判断事件是否已被 record_voided 作废。
func (s *queries) IsCustodyEventVoided(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM custody_events WHERE voids_event_id = ?
	`, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("query voided custody event: %w", err)
	}
	return n > 0, nil
}

func scanCustodyEvent(row rowScanner) (*model.CustodyEvent, error) {
	var ev model.CustodyEvent
	if err := row.Scan(
		&ev.Seq,
		&ev.EventID,
		&ev.EvidenceID,
		&ev.HandlerID,
		&ev.Action,
		&ev.OccurredAt,
		&ev.Location,
		&ev.Purpose,
		&ev.Notes,
		&ev.TransferredFrom,
		&ev.TransferredTo,
		&ev.VoidsEventID,
		&ev.PrevHash,
		&ev.RecordHash,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan custody event: %w", err)
	}
	return &ev, nil
}
