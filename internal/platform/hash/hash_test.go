package hash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sha256ABC = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestBytesAndReader(t *testing.T) {
	assert.Equal(t, sha256ABC, Bytes([]byte("abc")))

	sum, size, err := Reader(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, sha256ABC, sum)
	assert.EqualValues(t, 3, size)
}

func TestFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))

	sum, size, err := File(p)
	require.NoError(t, err)
	assert.Equal(t, sha256ABC, sum)
	assert.EqualValues(t, 3, size)

	_, _, err = File(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestText_FieldOrderMatters(t *testing.T) {
	assert.NotEqual(t, Text("a", "b"), Text("b", "a"))
}

func TestText_FieldBoundariesAreUnambiguous(t *testing.T) {
	// 字段内的换行或冒号不能伪造出另一组字段
	assert.NotEqual(t, Text("a\nb", ""), Text("a", "b"))
	assert.NotEqual(t, Text("a", "b\n"), Text("a\n", "b"))
	assert.NotEqual(t, Text("1:a"), Text("", "a"))
	assert.NotEqual(t, Text("ab", ""), Text("a", "b"))

	// 首尾空白属于字段内容
	assert.NotEqual(t, Text("a", "b"), Text(" a", "b "))
	assert.NotEqual(t, Text(), Text(""))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(sha256ABC, strings.ToUpper(sha256ABC)))
	assert.False(t, Equal("", ""))
	assert.False(t, Equal(sha256ABC, Bytes([]byte("abcd"))))
}
