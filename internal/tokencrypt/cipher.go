// Package tokencrypt encrypts token material at rest with AES-256-GCM and computes the
// one-way digests used for duplicate detection.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLength is the shortest encryption secret accepted by New.
	MinSecretLength = 32

	derivedKeyLength = 32
	ivLength         = 12
	hkdfInfo         = "tokenvault.vault-entry.v1"
)

var (
	// ErrSecretTooShort indicates the configured encryption secret is shorter than MinSecretLength.
	ErrSecretTooShort = errors.New("tokencrypt.secret_too_short")
	// ErrDecrypt indicates ciphertext, iv, or key did not match. No plaintext is returned.
	ErrDecrypt = errors.New("tokencrypt.decrypt_failed")
	// ErrInvalidIV indicates an iv that is not base64 or has the wrong length.
	ErrInvalidIV = errors.New("tokencrypt.invalid_iv")
)

// Cipher seals vault token material. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New derives an AES-256 key from secret with HKDF-SHA256 and builds a GCM cipher.
func New(secret []byte) (*Cipher, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("tokencrypt.new: %w", ErrSecretTooShort)
	}
	key := make([]byte, derivedKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("tokencrypt.derive_key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt.new_cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt.new_gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// GenerateIV returns a fresh random 96-bit iv, base64 encoded.
func (c *Cipher) GenerateIV() (string, error) {
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("tokencrypt.generate_iv: %w", err)
	}
	return base64.StdEncoding.EncodeToString(iv), nil
}

// Encrypt seals plaintext under iv and returns base64 ciphertext.
func (c *Cipher) Encrypt(plaintext string, iv string) (string, error) {
	nonce, err := c.decodeIV(iv)
	if err != nil {
		return "", fmt.Errorf("tokencrypt.encrypt: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext sealed under iv. Any mismatch yields ErrDecrypt.
func (c *Cipher) Decrypt(ciphertext string, iv string) (string, error) {
	nonce, err := c.decodeIV(iv)
	if err != nil {
		return "", fmt.Errorf("tokencrypt.decrypt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("tokencrypt.decrypt: %w", ErrDecrypt)
	}
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("tokencrypt.decrypt: %w", ErrDecrypt)
	}
	return string(plaintext), nil
}

// Hash returns the lowercase hex SHA-256 digest of plaintext.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func (c *Cipher) decodeIV(iv string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return nil, ErrInvalidIV
	}
	return nonce, nil
}
