// Package integrity 计算并比对证据文件的 SHA-256 摘要。
//
// 摘要是全有或全无的：读取出错、超时或被取消时不产生任何摘要，
// 避免把部分内容的哈希当作有效结果。
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"custody-ledger/internal/platform/errclass"
	"custody-ledger/internal/platform/hash"
)

// DefaultTimeout 是未配置时单次摘要的读取上限。
const DefaultTimeout = 30 * time.Second

// Digest 是一次完整读取的结果。
type Digest struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size_bytes"`
}

// Outcome 是摘要比对结果。
type Outcome string

const (
	Match    Outcome = "match"
	Mismatch Outcome = "mismatch"
)

// Verifier 在有界时间内计算摘要。
type Verifier struct {
	Timeout time.Duration
}

// New 创建校验器；timeout <= 0 时使用 DefaultTimeout。
func New(timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Verifier{Timeout: timeout}
}

// ReadDeadliner 是可设置读取截止时间的数据源，例如 *os.File、net.Conn 与 http.ResponseController。
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// WithReadDeadline 把 r 与 d 组合为一个数据源，Digest 超时或取消时通过 d 打断阻塞中的 Read。
func WithReadDeadline(r io.Reader, d ReadDeadliner) io.Reader {
	return &deadlineReader{Reader: r, ReadDeadliner: d}
}

type deadlineReader struct {
	io.Reader
	ReadDeadliner
}

// Digest 在调用方 goroutine 上读完 r 并计算摘要，返回时不再有对 r 的读取。
// 超时返回 SourceUnavailable；调用方取消返回 ctx.Err()。
// r 实现 ReadDeadliner 时阻塞中的 Read 也会被打断，否则只在两次 Read 之间检查超时。
func (v *Verifier) Digest(ctx context.Context, r io.Reader) (Digest, error) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d, ok := r.(ReadDeadliner); ok {
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(fired)
			_ = d.SetReadDeadline(time.Now())
		})
		defer func() {
			if !stop() {
				<-fired
			}
			_ = d.SetReadDeadline(time.Time{})
		}()
	}

	sum, size, err := hash.Reader(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		if ctx.Err() != nil {
			return Digest{}, v.interrupted(ctx)
		}
		return Digest{}, errclass.ErrSourceUnavailable.WithMessagef("read content: %v", err)
	}
	return Digest{SHA256: sum, Size: size}, nil
}

func (v *Verifier) interrupted(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errclass.ErrSourceUnavailable.WithMessagef("digest timed out after %s", v.Timeout)
	}
	return fmt.Errorf("digest aborted: %w", ctx.Err())
}

// DigestFile 打开并读取已存储的文件。打开失败同样视为 SourceUnavailable，不重试。
func (v *Verifier) DigestFile(ctx context.Context, path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, errclass.ErrSourceUnavailable.WithMessagef("open %s: %v", path, err)
	}
	defer f.Close()
	return v.Digest(ctx, f)
}

// Compare 比对已存摘要与新算摘要；大小在已存值非 0 时一并比较。
func Compare(stored, fresh Digest) Outcome {
	if !hash.Equal(stored.SHA256, fresh.SHA256) {
		return Mismatch
	}
	if stored.Size > 0 && stored.Size != fresh.Size {
		return Mismatch
	}
	return Match
}

// ctxReader 在每次 Read 前检查 ctx，超时后尽快停止读取。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
