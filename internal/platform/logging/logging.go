// Package logging 输出 RFC 5424 格式的结构化日志。
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

// Logger 是服务层依赖的日志接口；meta 作为 RFC 5424 structured data 输出。
type Logger interface {
	Info(message string, meta map[string]string)
	Warn(message string, meta map[string]string)
	Error(message string, meta map[string]string)
	Debug(message string, meta map[string]string)
}

// Level 是最低输出级别。
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) rank() int {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// SyslogLogger 以 RFC 5424 行格式写日志，每条一行。
type SyslogLogger struct {
	appName   string
	hostname  string
	processID string
	level     Level

	mu  sync.Mutex
	out io.Writer
	seq uint64
}

// New 创建写往 out 的日志器；out 为 nil 时写 stdout。
func New(appName string, level Level, out io.Writer) *SyslogLogger {
	if out == nil {
		out = os.Stdout
	}
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		hostname = "localhost"
	}
	return &SyslogLogger{
		appName:   appName,
		hostname:  hostname,
		processID: strconv.Itoa(os.Getpid()),
		level:     level,
		out:       out,
	}
}

func (l *SyslogLogger) Info(message string, meta map[string]string) {
	l.write(LevelInfo, rfc5424.Info, message, meta)
}

func (l *SyslogLogger) Warn(message string, meta map[string]string) {
	l.write(LevelWarn, rfc5424.Warning, message, meta)
}

func (l *SyslogLogger) Error(message string, meta map[string]string) {
	l.write(LevelError, rfc5424.Error, message, meta)
}

func (l *SyslogLogger) Debug(message string, meta map[string]string) {
	l.write(LevelDebug, rfc5424.Debug, message, meta)
}

func (l *SyslogLogger) write(level Level, severity rfc5424.Priority, message string, meta map[string]string) {
	if level.rank() < l.level.rank() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++

	msg := &rfc5424.Message{
		Priority:  rfc5424.User | severity,
		Timestamp: time.Now().UTC(),
		Hostname:  l.hostname,
		AppName:   l.appName,
		ProcessID: l.processID,
		MessageID: fmt.Sprintf("ID%d", l.seq),
		Message:   []byte(message),
	}
	// map 遍历无序，按 key 排序保证同样的输入得到同样的行。
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg.AddDatum("meta@1", k, meta[k])
	}

	if _, err := msg.WriteTo(l.out); err != nil {
		// 字段不合规（例如 hostname 含空格）时退回简单格式，日志不能丢。
		fmt.Fprintf(l.out, "<%d>1 %s %s %s %s - - %s\n",
			int(rfc5424.User|severity),
			msg.Timestamp.Format(time.RFC3339),
			l.hostname, l.appName, l.processID, message)
		return
	}
	_, _ = io.WriteString(l.out, "\n")
}

// Nop 丢弃所有日志，测试默认使用。
type Nop struct{}

func (Nop) Info(string, map[string]string)  {}
func (Nop) Warn(string, map[string]string)  {}
func (Nop) Error(string, map[string]string) {}
func (Nop) Debug(string, map[string]string) {}
