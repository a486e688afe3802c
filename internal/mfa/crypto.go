package mfa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SecretCipher encrypts TOTP secrets at rest with AES-256-GCM. The key is
// injected from configuration, never read from ambient state.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher constructs a cipher from a 32-byte key.
func NewSecretCipher(key []byte) (*SecretCipher, error) {
	if len(key) != 32 {
		return nil, errors.New("mfa: encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mfa: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("mfa: new gcm: %w", err)
	}
	return &SecretCipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns base64(nonce || ciphertext).
func (c *SecretCipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt, yielding the original bytes exactly.
func (c *SecretCipher) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("mfa: decode secret: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, errors.New("mfa: sealed secret too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("mfa: open secret: %w", err)
	}
	return plaintext, nil
}

// Backup codes use an unambiguous charset (no 0/O, 1/I/L) in XXXX-XXXX form.
const backupCodeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateBackupCode returns a fresh plaintext backup code.
func GenerateBackupCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 0, 9)
	for i, b := range buf {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, backupCodeCharset[int(b)%len(backupCodeCharset)])
	}
	return string(out), nil
}

// NormalizeBackupCode canonicalises user input before hashing or comparing.
func NormalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HashBackupCode derives the salted hash stored in place of the plaintext code.
func HashBackupCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(NormalizeBackupCode(code)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MatchBackupCode reports whether the presented code matches the stored hash.
func MatchBackupCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(NormalizeBackupCode(code))) == nil
}
