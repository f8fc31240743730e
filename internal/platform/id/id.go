package id

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New 生成带前缀的唯一 ID：
// prefix + 毫秒时间戳 + uuid 前 12 位。
// 时间戳放在前面便于日志阅读与按创建顺序粗排。
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), raw[:12])
}

// HasPrefix 判断 ID 是否属于某类实体（例如 "evd"）。
func HasPrefix(v, prefix string) bool {
	return strings.HasPrefix(v, prefix+"_")
}
