package store

import (
	"errors"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptDecryptSecret(t *testing.T) {
	plaintext := `{"account_sid":"AC123","auth_token":"secret"}`

	ciphertext, err := EncryptSecret(plaintext, testKey)
	if err != nil {
		t.Fatalf("EncryptSecret() error = %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := DecryptSecret(ciphertext, testKey)
	if err != nil {
		t.Fatalf("DecryptSecret() error = %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("DecryptSecret() = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptSecretNonceUnique(t *testing.T) {
	a, err := EncryptSecret("same", testKey)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptSecret("same", testKey)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestEncryptSecretRejectsBadKey(t *testing.T) {
	if _, err := EncryptSecret("x", "short"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("EncryptSecret() = %v, want ErrInvalidKey", err)
	}
	if _, err := DecryptSecret("x", "short"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("DecryptSecret() = %v, want ErrInvalidKey", err)
	}
}

func TestDecryptSecretRejectsGarbage(t *testing.T) {
	for name, input := range map[string]string{
		"not base64": "!!!not-base64!!!",
		"too short":  "AAAA",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecryptSecret(input, testKey); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("DecryptSecret() = %v, want ErrInvalidCiphertext", err)
			}
		})
	}
}

func TestDecryptSecretRejectsWrongKey(t *testing.T) {
	ciphertext, err := EncryptSecret("secret", testKey)
	if err != nil {
		t.Fatal(err)
	}
	other := strings.Repeat("k", 32)
	if _, err := DecryptSecret(ciphertext, other); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("DecryptSecret() = %v, want ErrInvalidCiphertext", err)
	}
}
