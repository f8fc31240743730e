package model

// ReportInfo 表示报告索引信息（reports 表）。
type ReportInfo struct {
	ReportID         string `json:"report_id"`
	CaseID           string `json:"case_id"`
	Title            string `json:"title"`
	ReportType       string `json:"report_type"`
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	GeneratedBy      string `json:"generated_by"`
	GeneratedAt      int64  `json:"generated_at"`
	GeneratorVersion string `json:"generator_version"`
	Status           string `json:"status"`
}

// 报告类型。
const (
	ReportCustodyPDF = "custody_pdf"
	ReportCaseBundle = "case_bundle"
)

// DashboardStats 是首页统计，字段与计数口径一一对应。
type DashboardStats struct {
	TotalCases       int            `json:"total_cases"`
	CasesByStatus    map[string]int `json:"cases_by_status"`
	CasesByPriority  map[string]int `json:"cases_by_priority"`
	TotalEvidence    int            `json:"total_evidence"`
	EvidenceByStatus map[string]int `json:"evidence_by_status"`
	EvidenceByType   map[string]int `json:"evidence_by_type"`
	CustodyEvents    int            `json:"custody_events"`
	Reports          int            `json:"reports"`
	ActiveUsers      int            `json:"active_users"`
	RecentCases      []Case         `json:"recent_cases"`
}
