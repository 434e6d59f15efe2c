package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanNormalizesPath(t *testing.T) {
	assert.Equal(t, RelPath("/a/b"), Clean("a/b"))
	assert.Equal(t, RelPath("/a/b"), Clean("/a/b/"))
	assert.Equal(t, RelPath("/"), Clean(""))
}

func TestJoinAndDirBase(t *testing.T) {
	p := Clean("/reports")
	joined := p.Join("q1.pdf")
	assert.Equal(t, RelPath("/reports/q1.pdf"), joined)
	assert.Equal(t, "q1.pdf", joined.Base())
	assert.Equal(t, RelPath("/reports"), joined.Dir())
}

func TestBackingAliasIsUniquePerCall(t *testing.T) {
	a1 := NewBackingAlias()
	a2 := NewBackingAlias()
	assert.NotEqual(t, a1, a2)
	assert.Len(t, a1, 26) // base32 of 16 raw bytes, no padding
}

func TestBackingPathShardsTwoLevelsDeep(t *testing.T) {
	alias := "abcdefghij"
	p := BackingPath("/cache", alias)
	assert.Equal(t, "/cache/ab/cd/abcdefghij", p)
}

func TestObjectKeyUsesRemotePrefix(t *testing.T) {
	alias := "abcdefghij"
	key := ObjectKey("vaults/finance", alias)
	assert.Equal(t, "vaults/finance/ab/cd/abcdefghij", key)
}
