package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"
)

// Text 对多个字段计算 SHA-256，每个字段按"字节长度:原文"分帧写入，
// 任何字段取值都无法与相邻字段的边界混淆。字段不做裁剪。
// 用于 record_hash / chain_hash 等字段级留痕，字段顺序即公式的一部分。
func Text(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(strconv.Itoa(len(p))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Bytes 计算内存数据的 SHA-256。
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Reader 读完 r 并返回 SHA-256 与字节数；读取出错时不返回摘要。
func Reader(r io.Reader) (sum string, size int64, err error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// File 读取文件并计算 SHA-256，同时返回文件大小。
func File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return Reader(f)
}

// Equal 比较两个十六进制摘要（忽略大小写与首尾空白）。
func Equal(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
