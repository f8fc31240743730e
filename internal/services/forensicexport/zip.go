package forensicexport

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqliteadapter "custody-ledger/internal/adapters/store/sqlite"
	"custody-ledger/internal/app"
	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/hash"
	"custody-ledger/internal/services/custody"
	"custody-ledger/internal/services/privacy"
)

// BundleOptions 定义案件导出包（ZIP）生成参数。
type BundleOptions struct {
	CaseID string

	// ExportDir 是 ZIP 落盘目录。
	ExportDir string

	// Masked 为 true 时隐藏委托方信息（对外分享用）。
	Masked bool

	// Actor/Note/IPAddress/UserAgent 用于审计日志。
	Actor     model.Actor
	Note      string
	IPAddress string
	UserAgent string
}

type FileHashEntry struct {
	Path      string `json:"path"`       // ZIP 内路径（使用 "/" 分隔）
	SHA256    string `json:"sha256"`     // 文件内容 SHA-256
	SizeBytes int64  `json:"size_bytes"` // 原始字节数
	Kind      string `json:"kind"`       // evidence|report|manifest
}

// ManifestEvidence 是一件证据及其完整保管链。Custody 按链顺序（seq 升序）。
type ManifestEvidence struct {
	Evidence  model.Evidence       `json:"evidence"`
	ZipPath   string               `json:"zip_path,omitempty"`
	Holder    string               `json:"holder"`
	ChainHead string               `json:"chain_head"`
	Custody   []model.CustodyEvent `json:"custody"`
}

type ManifestReport struct {
	Report  model.ReportInfo `json:"report"`
	ZipPath string           `json:"zip_path"`
}

type Manifest struct {
	Schema      string `json:"schema"`
	GeneratedAt int64  `json:"generated_at"`
	GeneratedBy string `json:"generated_by"`

	App struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	} `json:"app"`

	Case     model.Case         `json:"case"`
	Evidence []ManifestEvidence `json:"evidence"`
	Reports  []ManifestReport   `json:"reports"`
	Files    []FileHashEntry    `json:"files"`
	Warnings []string           `json:"warnings,omitempty"`
	Note     string             `json:"note,omitempty"`
	Masked   bool               `json:"masked,omitempty"`
	Stats    map[string]int     `json:"stats,omitempty"`
}

// BundleResult 是一次导出的摘要输出。
type BundleResult struct {
	CaseID     string   `json:"case_id"`
	ReportID   string   `json:"report_id"`
	ZipPath    string   `json:"zip_path"`
	ZipSHA256  string   `json:"zip_sha256"`
	Warnings   []string `json:"warnings,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

const (
	manifestSchemaV1 = "custody_ledger.case_bundle_manifest.v1"
	zipGeneratorVer  = "casebundle-1.0.0"

	manifestName = "manifest.json"
	hashListName = "hashes.sha256"
)

// GenerateCaseBundle 生成案件导出包并在 reports 表中登记为 report_type=case_bundle。
//
// ZIP 内容：
// - manifest.json：案件、证据、保管链、报告的结构化清单
// - hashes.sha256：ZIP 内各文件（除自身）sha256 列表（sha256sum 兼容格式）
// - evidence/<evidence_no>/..：证据附件
// - reports/..：已生成的 PDF 报告（不包含 case_bundle 以避免递归）
func GenerateCaseBundle(ctx context.Context, store *sqliteadapter.Store, opts BundleOptions) (*BundleResult, error) {
	startedAt := time.Now().Unix()

	caseID := strings.TrimSpace(opts.CaseID)
	if caseID == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("case_id is required")
	}
	exportDir := strings.TrimSpace(opts.ExportDir)
	if exportDir == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("export_dir is required")
	}

	c, err := store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errclass.ErrNotFound.WithMessagef("case %s", caseID)
	}
	evidence, err := store.ListCaseEvidence(ctx, caseID)
	if err != nil {
		return nil, err
	}
	allReports, err := store.ListReportsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	type includeSpec struct {
		SrcPath string
		ZipPath string
		Kind    string
	}

	var warnings []string
	var includes []includeSpec

	manifestEvidence := make([]ManifestEvidence, 0, len(evidence))
	for _, e := range evidence {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chain, err := store.ListCustodyChain(ctx, e.EvidenceID)
		if err != nil {
			return nil, err
		}
		history, err := store.ListCustodyEvents(ctx, e.EvidenceID, model.Chronological)
		if err != nil {
			return nil, err
		}
		me := ManifestEvidence{
			Evidence: privacy.MaskEvidence(e),
			Holder:   custody.Holder(e.CollectedBy, history),
			Custody:  chain,
		}
		if len(chain) > 0 {
			me.ChainHead = chain[len(chain)-1].RecordHash
		}
		if e.File != nil {
			me.ZipPath = path.Join("evidence", e.EvidenceNo, e.File.FileName)
			includes = append(includes, includeSpec{SrcPath: e.File.StoragePath, ZipPath: me.ZipPath, Kind: "evidence"})
		}
		manifestEvidence = append(manifestEvidence, me)
	}

	manifestReports := make([]ManifestReport, 0, len(allReports))
	for _, r := range allReports {
		if r.ReportType == model.ReportCaseBundle || strings.TrimSpace(r.FilePath) == "" {
			continue
		}
		zipPath := path.Join("reports", filepath.Base(r.FilePath))
		includes = append(includes, includeSpec{SrcPath: r.FilePath, ZipPath: zipPath, Kind: "report"})
		manifestReports = append(manifestReports, ManifestReport{Report: r, ZipPath: zipPath})
	}

	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	zipPath := filepath.Join(exportDir, fmt.Sprintf("%s_bundle_%d.zip", c.CaseNo, time.Now().UnixNano()))
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	keep := false
	defer func() {
		_ = f.Close()
		if !keep {
			_ = os.Remove(zipPath)
		}
	}()

	zw := zip.NewWriter(f)
	var fileHashes []FileHashEntry
	for _, it := range includes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, size, err := writeZipFileFromDisk(zw, it.SrcPath, it.ZipPath)
		if err != nil {
			// 缺失文件不阻断导出，但必须在 manifest 里留下痕迹
			warnings = append(warnings, fmt.Sprintf("skip file %s: %v", it.ZipPath, err))
			continue
		}
		fileHashes = append(fileHashes, FileHashEntry{Path: it.ZipPath, SHA256: sum, SizeBytes: size, Kind: it.Kind})
	}

	manifestCase := *c
	if opts.Masked {
		manifestCase = privacy.MaskCase(manifestCase)
	}
	manifest := Manifest{
		Schema:      manifestSchemaV1,
		GeneratedAt: time.Now().Unix(),
		GeneratedBy: opts.Actor.UserID,
		Case:        manifestCase,
		Evidence:    manifestEvidence,
		Reports:     manifestReports,
		Warnings:    warnings,
		Note:        strings.TrimSpace(opts.Note),
		Masked:      opts.Masked,
	}
	manifest.App.Version = app.Version
	manifest.App.Commit = app.Commit
	manifest.App.BuildTime = app.BuildTime

	custodyCount := 0
	for _, me := range manifestEvidence {
		custodyCount += len(me.Custody)
	}
	manifest.Stats = map[string]int{
		"evidence_count": len(manifestEvidence),
		"custody_count":  custodyCount,
		"report_count":   len(manifestReports),
	}

	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	manifest.Files = fileHashes

	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestSum, manifestSize, err := writeZipFileFromBytes(zw, manifestName, manifestRaw)
	if err != nil {
		return nil, fmt.Errorf("write manifest to zip: %w", err)
	}
	fileHashes = append(fileHashes, FileHashEntry{Path: manifestName, SHA256: manifestSum, SizeBytes: manifestSize, Kind: "manifest"})

	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	hashLines := make([]string, 0, len(fileHashes)+4)
	hashLines = append(hashLines, "# custody-ledger case bundle hash list")
	hashLines = append(hashLines, fmt.Sprintf("# case_no=%s generated_at=%d", c.CaseNo, manifest.GeneratedAt))
	hashLines = append(hashLines, "# format: <sha256><two spaces><path>")
	for _, fh := range fileHashes {
		hashLines = append(hashLines, fmt.Sprintf("%s  %s", fh.SHA256, fh.Path))
	}
	hashLines = append(hashLines, "")
	if _, _, err := writeZipFileFromBytes(zw, hashListName, []byte(strings.Join(hashLines, "\n"))); err != nil {
		return nil, fmt.Errorf("write hashes.sha256 to zip: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}

	reportID, err := store.SaveReport(ctx, model.ReportInfo{
		CaseID:           caseID,
		Title:            fmt.Sprintf("Case bundle %s", c.CaseNo),
		ReportType:       model.ReportCaseBundle,
		FilePath:         zipPath,
		SHA256:           zipSum,
		GeneratedBy:      opts.Actor.UserID,
		GeneratorVersion: zipGeneratorVer,
	})
	if err != nil {
		return nil, err
	}
	keep = true

	_ = store.AppendAudit(ctx, sqliteadapter.AuditEntry{
		UserID:     opts.Actor.UserID,
		Action:     "export",
		EntityType: "report",
		EntityID:   reportID,
		Detail: map[string]any{
			"report_type": model.ReportCaseBundle,
			"case_id":     caseID,
			"zip_sha256":  zipSum,
			"masked":      opts.Masked,
			"warnings":    warnings,
		},
		IPAddress: opts.IPAddress,
		UserAgent: opts.UserAgent,
	})

	return &BundleResult{
		CaseID:     caseID,
		ReportID:   reportID,
		ZipPath:    zipPath,
		ZipSHA256:  zipSum,
		Warnings:   warnings,
		StartedAt:  startedAt,
		FinishedAt: time.Now().Unix(),
	}, nil
}

func writeZipFileFromDisk(zw *zip.Writer, srcPath, zipPath string) (sum string, size int64, err error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, err
	}
	if fi.IsDir() {
		return "", 0, fmt.Errorf("is a directory")
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return "", 0, err
	}
	hdr.Name = zipPath
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func writeZipFileFromBytes(zw *zip.Writer, zipPath string, b []byte) (sum string, size int64, err error) {
	hdr := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
