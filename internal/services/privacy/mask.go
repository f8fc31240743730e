// Package privacy 提供对外分享材料的展示层脱敏，不修改数据库原始记录。
package privacy

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"custody-ledger/internal/domain/model"
)

var (
	reEmail = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)
	rePhone = regexp.MustCompile(`^\+?[0-9 ()\-.]{7,}$`)
)

// MaskStoragePath 把服务器上的绝对存储路径压缩为文件名，避免导出材料暴露目录结构。
func MaskStoragePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

// MaskEmail 只保留本地部分首字符与域名：alice@lab.test -> a***@lab.test。
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return MaskName(s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return string(r) + "***" + s[at:]
}

// MaskPhone 只保留最后 4 位数字。
func MaskPhone(s string) string {
	digits := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return "<masked>"
	}
	return "***" + string(digits[len(digits)-4:])
}

// MaskName 保留首字符：Acme Bank -> A***。
func MaskName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(s)
	return string(r) + "***"
}

// MaskContact 按内容形态选择邮箱/电话/名称的脱敏方式。
func MaskContact(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return ""
	case reEmail.MatchString(s):
		return MaskEmail(s)
	case rePhone.MatchString(s):
		return MaskPhone(s)
	default:
		return MaskName(s)
	}
}

// MaskCase 隐藏委托方信息，案件本身的编号/状态/时间保持不变。
func MaskCase(c model.Case) model.Case {
	c.ClientName = MaskName(c.ClientName)
	c.ClientContact = MaskContact(c.ClientContact)
	return c
}

// MaskEvidence 返回副本：附件描述只保留文件名，摘要与大小原样保留以便复核。
func MaskEvidence(e model.Evidence) model.Evidence {
	if e.File != nil {
		fd := *e.File
		fd.StoragePath = MaskStoragePath(fd.StoragePath)
		e.File = &fd
	}
	return e
}
