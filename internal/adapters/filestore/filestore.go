// Package filestore 管理证据文件的落盘：<root>/<case_id>/<evidence_id>/<safe name>。
package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"custody-ledger/internal/domain/model"
	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/services/integrity"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Store 负责证据文件写入与读取。
type Store struct {
	Root     string
	MaxSize  int64
	Verifier *integrity.Verifier
}

// New 创建文件存储。maxSize <= 0 表示不限制大小。
func New(root string, maxSize int64, v *integrity.Verifier) *Store {
	if v == nil {
		v = integrity.New(0)
	}
	return &Store{Root: root, MaxSize: maxSize, Verifier: v}
}

// Save 边写边算摘要：内容先写入同目录临时文件，完整读取且摘要成功后才改名为正式文件。
// 任何失败都会删除临时文件，不留下部分内容。
func (s *Store) Save(ctx context.Context, caseID, evidenceID, declaredName, mediaType string, r io.Reader) (model.FileDescriptor, error) {
	name := SafeName(declaredName)
	dir := filepath.Join(s.Root, caseID, evidenceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.FileDescriptor{}, fmt.Errorf("create evidence dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return model.FileDescriptor{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	src := r
	if s.MaxSize > 0 {
		src = io.LimitReader(r, s.MaxSize+1)
	}
	var body io.Reader = io.TeeReader(src, tmp)
	if dl, ok := r.(integrity.ReadDeadliner); ok {
		body = integrity.WithReadDeadline(body, dl)
	}
	d, err := s.Verifier.Digest(ctx, body)
	if err != nil {
		return model.FileDescriptor{}, err
	}
	if s.MaxSize > 0 && d.Size > s.MaxSize {
		return model.FileDescriptor{}, errclass.ErrInvalidArgument.WithMessagef("file exceeds max size %d bytes", s.MaxSize)
	}

	if err := tmp.Sync(); err != nil {
		return model.FileDescriptor{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return model.FileDescriptor{}, fmt.Errorf("close temp file: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		return model.FileDescriptor{}, fmt.Errorf("move evidence file: %w", err)
	}
	committed = true

	return model.FileDescriptor{
		FileName:    name,
		StoragePath: final,
		SizeBytes:   d.Size,
		SHA256:      d.SHA256,
		MimeType:    mediaType,
	}, nil
}

// Open 打开已存储的证据文件。
func (s *Store) Open(fd model.FileDescriptor) (*os.File, error) {
	f, err := os.Open(fd.StoragePath)
	if err != nil {
		return nil, errclass.ErrSourceUnavailable.WithMessagef("open %s: %v", fd.StoragePath, err)
	}
	return f, nil
}

// Remove 删除文件（用于入库失败时回收刚写入的文件）。
func (s *Store) Remove(fd model.FileDescriptor) error {
	if fd.StoragePath == "" {
		return nil
	}
	if err := os.Remove(fd.StoragePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove evidence file: %w", err)
	}
	return nil
}

var (
	unsafeChars = regexp.MustCompile(`[^\w\s\-.]`)
	dashRuns    = regexp.MustCompile(`[-\s]+`)
)

// SafeName 把用户声明的文件名转换为安全的 ASCII 文件名：
// NFKD 分解并去掉组合附加符，丢弃非 ASCII，只保留字母数字、_-. 与空白，空白与连字符折叠为单个 "-"。
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))

	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	ascii, _, err := transform.String(t, name)
	if err != nil {
		ascii = ""
	}

	ascii = strings.TrimSpace(unsafeChars.ReplaceAllString(ascii, ""))
	ascii = dashRuns.ReplaceAllString(ascii, "-")
	ascii = strings.TrimLeft(ascii, ".-")
	if len(ascii) > 200 {
		ext := filepath.Ext(ascii)
		if len(ext) > 16 {
			ext = ""
		}
		ascii = ascii[:200-len(ext)] + ext
	}
	if ascii == "" {
		return "file"
	}
	return ascii
}

// Ext 返回安全文件名的扩展名（小写、不含点）。
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
