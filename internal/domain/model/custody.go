package model

// 系统保留的保管动作。前四个与证据状态同名，由生命周期管理器写入。
const (
	ActionCollected      = "collected"
	ActionAnalyzed       = "analyzed"
	ActionProcessed      = "processed"
	ActionArchived       = "archived"
	ActionTransferred    = "transferred"
	ActionFileAttached   = "file_attached"
	ActionIntegrityCheck = "integrity_check"
	ActionRecordVoided   = "record_voided"
)

// ReservedAction 判断动作是否只能由系统内部写入（不接受外部直接追加）。
// transferred 不在此列：它走 Append/Transfer 的移交校验。
func ReservedAction(action string) bool {
	switch action {
	case ActionCollected, ActionAnalyzed, ActionProcessed, ActionArchived,
		ActionFileAttached, ActionIntegrityCheck, ActionRecordVoided:
		return true
	}
	return false
}

// CustodyEvent 是保管链中的一条不可变记录（custody_events 表）。
// 同一证据的事件按 (OccurredAt, Seq) 全序；Seq 单调递增，用于同一时间戳的排序兜底。
type CustodyEvent struct {
	Seq             int64  `json:"seq"`
	EventID         string `json:"event_id"`
	EvidenceID      string `json:"evidence_id"`
	HandlerID       string `json:"handler_id"`
	Action          string `json:"action"`
	OccurredAt      int64  `json:"occurred_at"`
	Location        string `json:"location,omitempty"`
	Purpose         string `json:"purpose,omitempty"`
	Notes           string `json:"notes,omitempty"`
	TransferredFrom string `json:"transferred_from,omitempty"`
	TransferredTo   string `json:"transferred_to,omitempty"`
	VoidsEventID    string `json:"voids_event_id,omitempty"`
	PrevHash        string `json:"prev_hash,omitempty"`
	RecordHash      string `json:"record_hash"`
}

// Order 是保管历史的排序方向。
type Order string

const (
	Chronological        Order = "chronological"
	ReverseChronological Order = "reverse"
)
