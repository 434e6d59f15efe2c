package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeyring(t *testing.T, current KeyVersion, versions ...KeyVersion) *VaultKeyring {
	t.Helper()
	keys := make(map[KeyVersion][]byte)
	for _, v := range versions {
		k, err := GenerateKey()
		require.NoError(t, err)
		keys[v] = k
	}
	kr, err := NewKeyring(keys, current)
	require.NoError(t, err)
	return kr
}

func TestSealOpenRoundTrips(t *testing.T) {
	kr := mustKeyring(t, 1, 1)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	sealed, err := kr.Seal(plaintext)
	require.NoError(t, err)
	assert.Equal(t, KeyVersion(1), sealed.KeyVersion)
	assert.Len(t, sealed.IV, ivSize)
	assert.NotEqual(t, plaintext, sealed.Ciphertext)

	recovered, err := kr.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestOpenAcrossKeyRotation(t *testing.T) {
	kr := mustKeyring(t, 1, 1)
	sealed, err := kr.Seal([]byte("old generation content"))
	require.NoError(t, err)

	newKey, err := GenerateKey()
	require.NoError(t, err)
	kr.keys[2] = newKey
	kr.Current = 2

	recovered, err := kr.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "old generation content", string(recovered))
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	kr := mustKeyring(t, 1, 1)
	sealed, err := kr.Seal([]byte("integrity matters"))
	require.NoError(t, err)

	sealed.Ciphertext[0] ^= 0xFF

	_, err = kr.Open(sealed)
	require.Error(t, err)
}

func TestNewKeyringRejectsWrongKeyLength(t *testing.T) {
	_, err := NewKeyring(map[KeyVersion][]byte{1: []byte("too-short")}, 1)
	require.Error(t, err)
}

func TestContentHashIsDeterministic(t *testing.T) {
	a := ContentHash([]byte("hello"))
	b := ContentHash([]byte("hello"))
	c := ContentHash([]byte("world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
