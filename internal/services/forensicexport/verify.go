package forensicexport

import (
	"archive/zip"
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"custody-ledger/internal/services/auditverify"
)

// FileCheck 是 hashes.sha256 中一行的校验结果。
type FileCheck struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Status   string `json:"status"` // ok|missing|mismatch|error
	Error    string `json:"error,omitempty"`
}

// ChainCheck 是 manifest 中一件证据的保管链复核结果。
type ChainCheck struct {
	EvidenceNo string             `json:"evidence_no"`
	Result     auditverify.Result `json:"result"`
	// DescriptorOK 表示包内附件 sha256 与证据描述符一致；无附件时为 true。
	DescriptorOK bool `json:"descriptor_ok"`
}

// BundleReport 是 VerifyBundle 的结果。
type BundleReport struct {
	OK     bool         `json:"ok"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Files  []FileCheck  `json:"files"`
	Chains []ChainCheck `json:"chains"`
}

// VerifyBundle 按 hashes.sha256 重算 ZIP 内文件哈希，并复核 manifest 中的保管链。
func VerifyBundle(zipPath string) (*BundleReport, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	hashList, ok := files[hashListName]
	if !ok {
		return nil, fmt.Errorf("%s not found in zip", hashListName)
	}
	raw, err := readZipFileAll(hashList)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", hashListName, err)
	}

	out := &BundleReport{OK: true}
	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 || len(parts[0]) != 64 {
			continue
		}
		check := FileCheck{Path: parts[1], Expected: parts[0]}
		out.Total++

		f, ok := files[check.Path]
		switch {
		case !ok:
			check.Status = "missing"
		default:
			sum, err := sha256OfZipFile(f)
			switch {
			case err != nil:
				check.Status, check.Error = "error", err.Error()
			case strings.EqualFold(sum, check.Expected):
				check.Status, check.Actual = "ok", sum
			default:
				check.Status, check.Actual = "mismatch", sum
			}
		}
		if check.Status == "ok" {
			out.Passed++
		} else {
			out.Failed++
			out.OK = false
		}
		out.Files = append(out.Files, check)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", hashListName, err)
	}

	mf, ok := files[manifestName]
	if !ok {
		return nil, fmt.Errorf("%s not found in zip", manifestName)
	}
	data, err := readZipFileAll(mf)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	packed := map[string]string{}
	for _, fc := range out.Files {
		if fc.Status == "ok" {
			packed[fc.Path] = fc.Actual
		}
	}
	for _, me := range m.Evidence {
		cc := ChainCheck{
			EvidenceNo:   me.Evidence.EvidenceNo,
			Result:       auditverify.VerifyCustodyChain(me.Custody),
			DescriptorOK: true,
		}
		if me.Evidence.File != nil && me.ZipPath != "" {
			cc.DescriptorOK = strings.EqualFold(packed[me.ZipPath], me.Evidence.File.SHA256)
		}
		if !cc.Result.OK || !cc.DescriptorOK {
			out.OK = false
		}
		out.Chains = append(out.Chains, cc)
	}
	return out, nil
}

func sha256OfZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readZipFileAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
