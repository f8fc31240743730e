package model

// CaseStatus 表示案件状态。
type CaseStatus string

const (
	CaseOpen       CaseStatus = "open"
	CaseInProgress CaseStatus = "in_progress"
	CaseClosed     CaseStatus = "closed"
	CaseArchived   CaseStatus = "archived"
)

// Valid 判断案件状态是否为已知取值。
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseOpen, CaseInProgress, CaseClosed, CaseArchived:
		return true
	}
	return false
}

// Priority 表示案件优先级。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid 判断优先级是否为已知取值。
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Case 是案件聚合根（cases 表），独占其证据。
// ClosedAt 非 0 当且仅当 Status == closed。
type Case struct {
	CaseID        string     `json:"case_id"`
	CaseNo        string     `json:"case_no"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        CaseStatus `json:"status"`
	Priority      Priority   `json:"priority"`
	CreatedBy     string     `json:"created_by"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	IncidentAt    int64      `json:"incident_at,omitempty"`
	Location      string     `json:"location,omitempty"`
	ClientName    string     `json:"client_name,omitempty"`
	ClientContact string     `json:"client_contact,omitempty"`
	CreatedAt     int64      `json:"created_at"`
	UpdatedAt     int64      `json:"updated_at"`
	ClosedAt      int64      `json:"closed_at,omitempty"`
}

// CaseFilter 是案件列表查询条件，零值表示不过滤。
type CaseFilter struct {
	Statuses   []CaseStatus
	Priority   Priority
	AssignedTo string
	Limit      int
	Offset     int
}
