package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PrefixAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		v := New("evd")
		require.True(t, HasPrefix(v, "evd"), v)
		_, dup := seen[v]
		require.False(t, dup, "duplicate id %s", v)
		seen[v] = struct{}{}
	}
}

func TestNew_Shape(t *testing.T) {
	parts := strings.Split(New("case"), "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "case", parts[0])
	assert.Len(t, parts[2], 12)
	assert.False(t, HasPrefix("cases_1", "case"))
}
