package model

import "encoding/json"

// AuditLog 表示一条审计日志记录（audit_logs 表），按 chain_hash 串成哈希链。
type AuditLog struct {
	EventID       string          `json:"event_id"`
	UserID        string          `json:"user_id,omitempty"`
	Action        string          `json:"action"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id,omitempty"`
	DetailJSON    json.RawMessage `json:"detail_json,omitempty"`
	IPAddress     string          `json:"ip_address,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	OccurredAt    int64           `json:"occurred_at"`
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}

// AuditFilter 是审计日志查询条件。
type AuditFilter struct {
	UserID     string
	EntityType string
	EntityID   string
	Action     string
	Since      int64
	Until      int64
	Limit      int
	Offset     int
}
