package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/services/integrity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"Café résumé.docx", "Cafe-resume.docx"},
		{"../../etc/passwd", "passwd"},
		{`C:\temp\evil<>.log`, "evil.log"},
		{"  spaced  out .txt ", "spaced-out-.txt"},
		{"...hidden", "hidden"},
		{"证据.png", "png"},
		{"", "file"},
		{"***", "file"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SafeName(tc.in), tc.in)
	}
}

func TestSave_WritesAndHashes(t *testing.T) {
	root := t.TempDir()
	s := New(root, 1024, integrity.New(time.Second))

	fd, err := s.Save(context.Background(), "case_1", "evd_1", "a b.log", "text/plain", strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "a-b.log", fd.FileName)
	assert.Equal(t, filepath.Join(root, "case_1", "evd_1", "a-b.log"), fd.StoragePath)
	assert.Equal(t, int64(3), fd.SizeBytes)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", fd.SHA256)

	raw, err := os.ReadFile(fd.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(raw))
}

func TestSave_TooLargeLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s := New(root, 2, integrity.New(time.Second))

	_, err := s.Save(context.Background(), "case_1", "evd_1", "a.log", "", strings.NewReader("abc"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	entries, err := os.ReadDir(filepath.Join(root, "case_1", "evd_1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// stalledUpload 模拟客户端停止发送：Read 阻塞到读截止时间到期。
type stalledUpload struct {
	expired chan struct{}
	once    sync.Once
	reading atomic.Int32
}

func (u *stalledUpload) Read(p []byte) (int, error) {
	u.reading.Add(1)
	defer u.reading.Add(-1)
	<-u.expired
	return 0, os.ErrDeadlineExceeded
}

func (u *stalledUpload) SetReadDeadline(t time.Time) error {
	if !t.IsZero() {
		u.once.Do(func() { close(u.expired) })
	}
	return nil
}

func TestSave_StalledUploadTimesOutAndLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s := New(root, 1024, integrity.New(20*time.Millisecond))
	src := &stalledUpload{expired: make(chan struct{})}

	_, err := s.Save(context.Background(), "case_1", "evd_1", "a.log", "", src)
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrSourceUnavailable)
	assert.Zero(t, src.reading.Load())

	entries, err := os.ReadDir(filepath.Join(root, "case_1", "evd_1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpen_Missing(t *testing.T) {
	s := New(t.TempDir(), 0, nil)
	fd, err := s.Save(context.Background(), "c", "e", "x.txt", "", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.Remove(fd))

	_, err = s.Open(fd)
	assert.ErrorIs(t, err, errclass.ErrSourceUnavailable)
}

func TestExt(t *testing.T) {
	assert.Equal(t, "pdf", Ext("A.PDF"))
	assert.Equal(t, "", Ext("noext"))
}
