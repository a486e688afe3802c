package mfa

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *SecretCipher {
	t.Helper()
	c, err := NewSecretCipher(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return c
}

func TestSecretCipherRoundTrip(t *testing.T) {
	c := testCipher(t)
	plain := []byte("12345678901234567890")

	sealed, err := c.Encrypt(plain)
	require.NoError(t, err)
	require.NotContains(t, sealed, string(plain))

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	// A second encryption of the same plaintext uses a fresh nonce.
	again, err := c.Encrypt(plain)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestSecretCipherRejectsTampering(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	raw := []byte(sealed)
	raw[len(raw)-2] ^= 0x01
	_, err = c.Decrypt(string(raw))
	assert.Error(t, err)

	_, err = c.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = c.Decrypt("")
	assert.Error(t, err)
}

func TestSecretCipherKeyLength(t *testing.T) {
	_, err := NewSecretCipher([]byte("short"))
	assert.Error(t, err)
	_, err = NewSecretCipher(bytes.Repeat([]byte{1}, 16))
	assert.Error(t, err)
}

func TestBackupCodeFormat(t *testing.T) {
	code, err := GenerateBackupCode()
	require.NoError(t, err)
	require.Len(t, code, 9)
	assert.Equal(t, byte('-'), code[4])
	for _, r := range strings.ReplaceAll(code, "-", "") {
		assert.Contains(t, backupCodeCharset, string(r))
	}
}

func TestBackupCodeHashAndMatch(t *testing.T) {
	hash, err := HashBackupCode("abcd-ef23")
	require.NoError(t, err)

	assert.True(t, MatchBackupCode(hash, "ABCD-EF23"))
	assert.True(t, MatchBackupCode(hash, "  abcd-ef23  "))
	assert.False(t, MatchBackupCode(hash, "ABCD-EF24"))
	assert.False(t, MatchBackupCode("not a hash", "ABCD-EF23"))
}
