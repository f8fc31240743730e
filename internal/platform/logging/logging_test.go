package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyslogLogger_WritesRFC5424(t *testing.T) {
	var buf bytes.Buffer
	l := New("custody-ledger", LevelInfo, &buf)

	l.Info("custody appended", map[string]string{"evidence_id": "evd_1", "action": "transferred"})

	out := buf.String()
	require.NotEmpty(t, out)
	assert.True(t, strings.HasPrefix(out, "<14>1 "), out) // user.info = 1*8 + 6
	assert.Contains(t, out, "custody-ledger")
	assert.Contains(t, out, "[meta@1")
	assert.Contains(t, out, `evidence_id="evd_1"`)
	assert.Contains(t, out, "custody appended")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestSyslogLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New("custody-ledger", LevelWarn, &buf)

	l.Debug("debug", nil)
	l.Info("info", nil)
	assert.Empty(t, buf.String())

	l.Warn("warn", nil)
	l.Error("boom", nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "<12>1 "), lines[0]) // user.warning
	assert.True(t, strings.HasPrefix(lines[1], "<11>1 "), lines[1]) // user.err
}
