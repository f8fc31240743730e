package forensicpdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/hash"
	"custody-ledger/internal/services/auditverify"
	"custody-ledger/internal/services/custody"
	"custody-ledger/internal/services/privacy"

	"github.com/phpdave11/gofpdf"
)

// 保管链 PDF 报告（custody_pdf）
//
// - 案件概况、证据清单、每件证据按时间顺序的保管历史、当前持有人、链头 hash
// - 报告入库登记到 reports 表，并写入 audit_logs 留痕
// - PDF 属于二进制产物，必须通过 /api/reports/{id}/download 获取

type Options struct {
	CaseID    string
	ReportDir string
	Actor     model.Actor
	Note      string
	// Masked 隐藏委托方信息，用于对外分享的报告。
	Masked    bool
	IPAddress string
	UserAgent string
}

type Result struct {
	ReportID    string   `json:"report_id"`
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const pdfGeneratorVer = "custodypdf-1.0.0"

// evidenceSection 是单件证据在报告中的全部内容。
type evidenceSection struct {
	Evidence  model.Evidence
	History   []model.CustodyEvent
	Holder    string
	ChainHead string
	ChainOK   bool
}

// GenerateCustodyPDF 生成保管链 PDF 报告，并在 reports 表中登记为 report_type=custody_pdf。
func GenerateCustodyPDF(ctx context.Context, store *sqliteadapter.Store, opts Options) (*Result, error) {
	caseID := strings.TrimSpace(opts.CaseID)
	if caseID == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("case_id is required")
	}
	reportDir := strings.TrimSpace(opts.ReportDir)
	if reportDir == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("report_dir is required")
	}

	c, err := store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if c == nil {
		return nil, errclass.ErrNotFound.WithMessagef("case %s", caseID)
	}

	warnings := []string{}
	names := map[string]string{}
	if users, err := store.ListUsers(ctx, false); err != nil {
		warnings = append(warnings, "list users failed: "+err.Error())
	} else {
		for _, u := range users {
			names[u.UserID] = u.FullName
		}
	}

	evidence, err := store.ListCaseEvidence(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}

	sections := make([]evidenceSection, 0, len(evidence))
	for _, e := range evidence {
		history, err := store.ListCustodyEvents(ctx, e.EvidenceID, model.Chronological)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("list custody for %s failed: %v", e.EvidenceNo, err))
			history = []model.CustodyEvent{}
		}
		chain, err := store.ListCustodyChain(ctx, e.EvidenceID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("list chain for %s failed: %v", e.EvidenceNo, err))
			chain = []model.CustodyEvent{}
		}
		sec := evidenceSection{
			Evidence: e,
			History:  history,
			Holder:   custody.Holder(e.CollectedBy, history),
			ChainOK:  auditverify.VerifyCustodyChain(chain).OK,
		}
		if len(chain) > 0 {
			sec.ChainHead = chain[len(chain)-1].RecordHash
		}
		if !sec.ChainOK {
			warnings = append(warnings, fmt.Sprintf("custody chain of %s failed verification", e.EvidenceNo))
		}
		sections = append(sections, sec)
	}

	now := time.Now().Unix()
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(reportDir, fmt.Sprintf("%s_custody_%d.pdf", c.CaseNo, now))

	operator := firstNonEmpty(opts.Actor.Username, opts.Actor.UserID)
	overview := *c
	if opts.Masked {
		overview = privacy.MaskCase(overview)
	}
	pdf, utf8OK := buildPDF(overview, sections, names, operator, opts.Note, warnings, now)
	if !utf8OK {
		// 不支持 UTF-8 字体时非 ASCII 字符会被替换为 '?'
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	reportID, err := store.SaveReport(ctx, model.ReportInfo{
		CaseID:           caseID,
		Title:            fmt.Sprintf("Chain of custody report %s", c.CaseNo),
		ReportType:       model.ReportCustodyPDF,
		FilePath:         pdfPath,
		SHA256:           sum,
		GeneratedBy:      opts.Actor.UserID,
		GeneratedAt:      now,
		GeneratorVersion: pdfGeneratorVer,
	})
	if err != nil {
		_ = os.Remove(pdfPath)
		return nil, fmt.Errorf("save report: %w", err)
	}

	_ = store.AppendAudit(ctx, sqliteadapter.AuditEntry{
		UserID:     opts.Actor.UserID,
		Action:     "export",
		EntityType: "report",
		EntityID:   reportID,
		Detail: map[string]any{
			"report_type":    model.ReportCustodyPDF,
			"case_id":        caseID,
			"pdf_sha256":     sum,
			"evidence_count": len(sections),
			"note":           strings.TrimSpace(opts.Note),
			"masked":         opts.Masked,
			"warnings":       warnings,
		},
		IPAddress: opts.IPAddress,
		UserAgent: opts.UserAgent,
	})

	return &Result{
		ReportID:    reportID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(
	c model.Case,
	sections []evidenceSection,
	names map[string]string,
	operator string,
	note string,
	warnings []string,
	generatedAt int64,
) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Chain of Custody Report "+c.CaseNo, false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)
	who := func(userID string) string {
		if n := names[userID]; n != "" {
			return fmt.Sprintf("%s (%s)", n, userID)
		}
		return userID
	}

	pdf.SetFooterFunc(func() {
		pdf.SetY(-10)
		pdf.SetFont(fontFamily, "", 8)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 5, fmt.Sprintf("%s | page %d", c.CaseNo, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Chain of Custody Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "1. Case Overview")
	kv(pdf, fontFamily, utf8OK, "Case No", c.CaseNo)
	kv(pdf, fontFamily, utf8OK, "Title", c.Title)
	kv(pdf, fontFamily, utf8OK, "Status", string(c.Status))
	kv(pdf, fontFamily, utf8OK, "Priority", string(c.Priority))
	kv(pdf, fontFamily, utf8OK, "Created By", who(c.CreatedBy))
	kv(pdf, fontFamily, utf8OK, "Assigned To", who(c.AssignedTo))
	kv(pdf, fontFamily, utf8OK, "Incident At", fmtTime(c.IncidentAt))
	kv(pdf, fontFamily, utf8OK, "Location", c.Location)
	kv(pdf, fontFamily, utf8OK, "Client", c.ClientName)
	kv(pdf, fontFamily, utf8OK, "Client Contact", c.ClientContact)
	kv(pdf, fontFamily, utf8OK, "Created At", fmtTime(c.CreatedAt))
	kv(pdf, fontFamily, utf8OK, "Closed At", fmtTime(c.ClosedAt))
	kv(pdf, fontFamily, utf8OK, "Evidence Count", fmt.Sprintf("%d", len(sections)))
	pdf.Ln(2)

	if len(warnings) > 0 {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range warnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "2. Evidence Inventory")
	if len(sections) == 0 {
		emptyLine(pdf, fontFamily)
	} else {
		widths := []float64{44, 60, 22, 24, 32}
		header := []string{"Evidence No", "Title", "Type", "Status", "SHA-256"}
		pdf.SetFont(fontFamily, "B", 9)
		pdf.SetFillColor(235, 235, 235)
		pdf.SetTextColor(0, 0, 0)
		for i, h := range header {
			pdf.CellFormat(widths[i], 6, h, "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont(fontFamily, "", 8)
		for _, s := range sections {
			e := s.Evidence
			sum := "-"
			if e.File != nil {
				sum = shortHash(e.File.SHA256)
			}
			row := []string{e.EvidenceNo, clip(e.Title, 38), string(e.Type), string(e.Status), sum}
			for i, v := range row {
				pdf.CellFormat(widths[i], 5.5, safeText(v, utf8OK), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}
	pdf.Ln(3)

	sectionTitle(pdf, fontFamily, "3. Custody History")
	if len(sections) == 0 {
		emptyLine(pdf, fontFamily)
	}
	for _, s := range sections {
		e := s.Evidence
		pdf.SetFont(fontFamily, "B", 11)
		pdf.SetTextColor(20, 20, 20)
		pdf.MultiCell(0, 6, safeText(fmt.Sprintf("%s  %s", e.EvidenceNo, e.Title), utf8OK), "", "L", false)
		kv(pdf, fontFamily, utf8OK, "Collected", fmt.Sprintf("%s by %s", fmtTime(e.CollectedAt), who(e.CollectedBy)))
		if e.File != nil {
			kv(pdf, fontFamily, utf8OK, "File", fmt.Sprintf("%s (%d bytes)", e.File.FileName, e.File.SizeBytes))
			kv(pdf, fontFamily, utf8OK, "SHA-256", e.File.SHA256)
		}
		kv(pdf, fontFamily, utf8OK, "Current Holder", who(s.Holder))
		kv(pdf, fontFamily, utf8OK, "Chain Head", s.ChainHead)
		verdict := "verified"
		if !s.ChainOK {
			verdict = "FAILED"
		}
		kv(pdf, fontFamily, utf8OK, "Chain Check", verdict)

		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		for _, ev := range s.History {
			line := fmt.Sprintf("%s  %-15s  %s", fmtTime(ev.OccurredAt), ev.Action, who(ev.HandlerID))
			if ev.TransferredTo != "" {
				line += fmt.Sprintf("  %s -> %s", who(ev.TransferredFrom), who(ev.TransferredTo))
			}
			if ev.VoidsEventID != "" {
				line += "  voids " + ev.VoidsEventID
			}
			pdf.MultiCell(0, 4.5, safeText(line, utf8OK), "", "L", false)
			detail := strings.TrimSpace(strings.Join(nonEmpty(ev.Location, ev.Purpose, ev.Notes), " | "))
			if detail != "" {
				pdf.SetTextColor(90, 90, 90)
				pdf.MultiCell(0, 4.5, "    "+safeText(detail, utf8OK), "", "L", false)
				pdf.SetTextColor(40, 40, 40)
			}
		}
		pdf.Ln(3)
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Each custody record is hash-chained per evidence item. Use the case bundle export (manifest.json + hashes.sha256) for independent verification.", "", "L", false)

	return pdf, utf8OK
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 196, pdf.GetY())
	pdf.Ln(2)
}

func emptyLine(pdf *gofpdf.Fpdf, fontFamily string) {
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 5, "(empty)", "", "L", false)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05Z")
}

func shortHash(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "..."
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// safeText 在未加载 UTF-8 字体时把非 ASCII 字符替换为 '?'。
func safeText(s string, utf8OK bool) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	if strings.TrimSpace(b) != "" {
		return b
	}
	return "system"
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType），以支持中文等非 ASCII 字符。
//
// 规则：
// 1) 如果设置了环境变量 DEFM_PDF_FONT，优先使用该文件路径。
// 2) 否则按常见系统字体路径探测。
// 3) 加载失败则回退到核心字体（Helvetica），并通过 safeText() 替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("DEFM_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSans-Regular.ttf",
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		// 只有一个字体文件时也注册 B 样式，避免 SetFont(...,"B",...) 报错
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
