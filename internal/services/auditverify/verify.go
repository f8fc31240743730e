package auditverify

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/hash"
)

// FailureItem 表示一次哈希链校验失败的明细项（用于 UI/CLI 展示）。
type FailureItem struct {
	Index int `json:"index"`

	EventID    string `json:"event_id"`
	OccurredAt int64  `json:"occurred_at"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`

	// PrevHashMismatch 表示当前记录的 prev hash 与上一条记录的 hash 不一致。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// ChainHashMismatch 表示当前记录 hash 与按公式重算的值不一致。
	ChainHashMismatch bool   `json:"chain_hash_mismatch"`
	ExpectedChainHash string `json:"expected_chain_hash,omitempty"`
	ActualChainHash   string `json:"actual_chain_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是哈希链强校验结果。
type Result struct {
	OK bool `json:"ok"`

	Total int `json:"total"`

	Failed          int `json:"failed"`
	PrevHashFailed  int `json:"prev_hash_failed"`
	ChainHashFailed int `json:"chain_hash_failed"`

	LastChainHash string `json:"last_chain_hash,omitempty"`

	Failures []FailureItem `json:"failures,omitempty"`
}

// link 是两种链共用的校验视图。
type link struct {
	item     FailureItem
	prev     string
	actual   string
	expected func(prev string) string
}

func verify(links []link) Result {
	res := Result{
		OK:       true,
		Total:    len(links),
		Failures: []FailureItem{},
	}

	prev := ""
	for i, l := range links {
		expectedPrev := prev
		actualPrev := strings.TrimSpace(l.prev)
		expectedChain := l.expected(expectedPrev)
		actualChain := strings.TrimSpace(l.actual)

		prevMismatch := actualPrev != expectedPrev
		chainMismatch := actualChain != expectedChain

		if prevMismatch || chainMismatch {
			res.OK = false
			res.Failed++
			if prevMismatch {
				res.PrevHashFailed++
			}
			if chainMismatch {
				res.ChainHashFailed++
			}

			msg := ""
			switch {
			case prevMismatch && chainMismatch:
				msg = "prev_hash and hash mismatch"
			case prevMismatch:
				msg = "prev_hash mismatch"
			case chainMismatch:
				msg = "hash mismatch"
			}

			item := l.item
			item.Index = i
			item.PrevHashMismatch = prevMismatch
			item.ExpectedPrevHash = expectedPrev
			item.ActualPrevHash = actualPrev
			item.ChainHashMismatch = chainMismatch
			item.ExpectedChainHash = expectedChain
			item.ActualChainHash = actualChain
			item.Message = msg
			res.Failures = append(res.Failures, item)
		}

		// 链推进：以库中记录的 hash 为准，这样可以把错误链继续向后验证并定位更多异常。
		prev = actualChain
		res.LastChainHash = actualChain
	}

	return res
}

// VerifyAuditLogs 对 audit_logs 做强校验：
// 1) chain_prev_hash 连续性
// 2) 重算 chain_hash 并与存量字段对比
//
// 校验公式必须与 Store.AppendAudit 保持一致。
func VerifyAuditLogs(logs []model.AuditLog) Result {
	links := make([]link, 0, len(logs))
	for _, it := range logs {
		it := it
		links = append(links, link{
			item: FailureItem{
				EventID:    it.EventID,
				OccurredAt: it.OccurredAt,
				Action:     it.Action,
				EntityType: it.EntityType,
				EntityID:   it.EntityID,
			},
			prev:   it.ChainPrevHash,
			actual: it.ChainHash,
			expected: func(prev string) string {
				// 导出 manifest.json 会被 MarshalIndent 美化，detail_json 先 compact 再参与计算，
				// 消除"仅格式不同"的影响。
				return hash.Text(
					prev,
					it.UserID,
					it.Action,
					it.EntityType,
					it.EntityID,
					strconv.FormatInt(it.OccurredAt, 10),
					compactJSON(it.DetailJSON),
					it.IPAddress,
					it.UserAgent,
				)
			},
		})
	}
	return verify(links)
}

// CustodyRecordHash 是保管记录 record_hash 的唯一公式，写入与校验共用。
func CustodyRecordHash(prev string, ev model.CustodyEvent) string {
	return hash.Text(
		prev,
		ev.EventID,
		ev.EvidenceID,
		ev.HandlerID,
		ev.Action,
		strconv.FormatInt(ev.OccurredAt, 10),
		ev.Location,
		ev.Purpose,
		ev.Notes,
		ev.TransferredFrom,
		ev.TransferredTo,
		ev.VoidsEventID,
	)
}

// VerifyCustodyChain 校验单个证据的保管链。events 必须按追加顺序（seq 升序）给出。
func VerifyCustodyChain(events []model.CustodyEvent) Result {
	links := make([]link, 0, len(events))
	for _, ev := range events {
		ev := ev
		links = append(links, link{
			item: FailureItem{
				EventID:    ev.EventID,
				OccurredAt: ev.OccurredAt,
				Action:     ev.Action,
				EntityType: "evidence",
				EntityID:   ev.EvidenceID,
			},
			prev:   ev.PrevHash,
			actual: ev.RecordHash,
			expected: func(prev string) string {
				return CustodyRecordHash(prev, ev)
			},
		})
	}
	return verify(links)
}

func compactJSON(in []byte) string {
	if len(bytes.TrimSpace(in)) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, in); err == nil {
		return b.String()
	}
	// 兜底：出现非 JSON（理论上不应发生），仍然尽量保持与原始输入一致。
	return strings.TrimSpace(string(in))
}
