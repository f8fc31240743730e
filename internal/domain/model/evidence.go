package model

// EvidenceType 表示证据声明类型。
type EvidenceType string

const (
	EvidenceDigital  EvidenceType = "digital"
	EvidencePhysical EvidenceType = "physical"
	EvidenceDocument EvidenceType = "document"
	EvidenceImage    EvidenceType = "image"
	EvidenceVideo    EvidenceType = "video"
	EvidenceAudio    EvidenceType = "audio"
	EvidenceLog      EvidenceType = "log"
	EvidenceOther    EvidenceType = "other"
)

// Valid 判断证据类型是否为已知取值。
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceDigital, EvidencePhysical, EvidenceDocument, EvidenceImage,
		EvidenceVideo, EvidenceAudio, EvidenceLog, EvidenceOther:
		return true
	}
	return false
}

// EvidenceStatus 是证据生命周期状态，单向推进：
// collected -> analyzed -> processed -> archived。
type EvidenceStatus string

const (
	EvidenceCollected EvidenceStatus = "collected"
	EvidenceAnalyzed  EvidenceStatus = "analyzed"
	EvidenceProcessed EvidenceStatus = "processed"
	EvidenceArchived  EvidenceStatus = "archived"
)

// Rank 返回状态在推进序列中的位置；未知状态返回 -1。
func (s EvidenceStatus) Rank() int {
	switch s {
	case EvidenceCollected:
		return 0
	case EvidenceAnalyzed:
		return 1
	case EvidenceProcessed:
		return 2
	case EvidenceArchived:
		return 3
	}
	return -1
}

// Terminal 表示不允许再发生生命周期迁移。
func (s EvidenceStatus) Terminal() bool {
	return s == EvidenceArchived
}

// FileDescriptor 描述证据附带的文件。SHA256 必须与存储内容严格对应。
type FileDescriptor struct {
	FileName    string `json:"file_name"`
	StoragePath string `json:"storage_path"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
	MimeType    string `json:"mime_type,omitempty"`
}

// Evidence 表示一条证据（evidence 表）。File 为空表示尚未附加文件。
type Evidence struct {
	EvidenceID         string          `json:"evidence_id"`
	EvidenceNo         string          `json:"evidence_no"`
	CaseID             string          `json:"case_id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Type               EvidenceType    `json:"evidence_type"`
	Status             EvidenceStatus  `json:"status"`
	File               *FileDescriptor `json:"file,omitempty"`
	CollectedBy        string          `json:"collected_by"`
	CollectedAt        int64           `json:"collected_at"`
	CollectionLocation string          `json:"collection_location,omitempty"`
	CollectionMethod   string          `json:"collection_method,omitempty"`
	CreatedAt          int64           `json:"created_at"`
	UpdatedAt          int64           `json:"updated_at"`
}

// EvidenceFilter 是证据检索条件，零值表示不过滤。
type EvidenceFilter struct {
	CaseID string
	Type   EvidenceType
	Status EvidenceStatus
	Query  string // 模糊匹配 title/description/evidence_no
	Limit  int
	Offset int
}
