package tokencrypt

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

func newTestCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	cipherValue, err := New([]byte(secret))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return cipherValue
}

func TestNewRejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := New([]byte("short"))
	if !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	cipherValue := newTestCipher(t, testSecret)
	plaintexts := []string{"", "refresh-token", strings.Repeat("eyJhbGciOi", 200), "ünïcødé"}
	for _, plaintext := range plaintexts {
		iv, err := cipherValue.GenerateIV()
		if err != nil {
			t.Fatalf("generate iv: %v", err)
		}
		ciphertext, err := cipherValue.Encrypt(plaintext, iv)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if plaintext != "" && strings.Contains(ciphertext, plaintext) {
			t.Fatalf("ciphertext leaks plaintext")
		}
		decrypted, err := cipherValue.Decrypt(ciphertext, iv)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if decrypted != plaintext {
			t.Fatalf("expected %q, got %q", plaintext, decrypted)
		}
	}
}

func TestDecryptRejectsMismatchedIV(t *testing.T) {
	t.Parallel()

	cipherValue := newTestCipher(t, testSecret)
	iv, _ := cipherValue.GenerateIV()
	otherIV, _ := cipherValue.GenerateIV()
	ciphertext, err := cipherValue.Encrypt("offline-token", iv)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := cipherValue.Decrypt(ciphertext, otherIV); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	cipherValue := newTestCipher(t, testSecret)
	iv, _ := cipherValue.GenerateIV()
	ciphertext, _ := cipherValue.Encrypt("offline-token", iv)
	raw, _ := base64.StdEncoding.DecodeString(ciphertext)
	raw[0] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := cipherValue.Decrypt(tampered, iv); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if _, err := cipherValue.Decrypt("%%%not-base64", iv); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for malformed ciphertext, got %v", err)
	}
}

func TestDecryptRejectsForeignKey(t *testing.T) {
	t.Parallel()

	first := newTestCipher(t, testSecret)
	second := newTestCipher(t, testSecret+"-other")
	iv, _ := first.GenerateIV()
	ciphertext, _ := first.Encrypt("offline-token", iv)
	if _, err := second.Decrypt(ciphertext, iv); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestInvalidIV(t *testing.T) {
	t.Parallel()

	cipherValue := newTestCipher(t, testSecret)
	if _, err := cipherValue.Encrypt("x", "c2hvcnQ="); !errors.Is(err, ErrInvalidIV) {
		t.Fatalf("expected ErrInvalidIV, got %v", err)
	}
}

func TestGenerateIVIsFresh(t *testing.T) {
	t.Parallel()

	cipherValue := newTestCipher(t, testSecret)
	seen := make(map[string]struct{})
	for index := 0; index < 1000; index++ {
		iv, err := cipherValue.GenerateIV()
		if err != nil {
			t.Fatalf("generate iv: %v", err)
		}
		if _, duplicate := seen[iv]; duplicate {
			t.Fatalf("iv repeated after %d draws", index)
		}
		seen[iv] = struct{}{}
	}
}

func TestHashDeterministicAndDistinct(t *testing.T) {
	t.Parallel()

	if Hash("token-a") != Hash("token-a") {
		t.Fatalf("hash must be deterministic")
	}
	if Hash("token-a") == Hash("token-b") {
		t.Fatalf("distinct inputs must not collide")
	}
	if len(Hash("token-a")) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", Hash("token-a"))
	}
}
