package token

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// 暗号化と復号が往復することを検証
func TestCipher_RoundTrip(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	plaintext := "act.example-access-token-value"
	encrypted, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if encrypted == plaintext {
		t.Error("ciphertext should differ from plaintext")
	}
	if strings.Contains(encrypted, plaintext) {
		t.Error("ciphertext should not contain plaintext")
	}

	decrypted, err := cipher.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

// 空文字列は暗号化せずそのまま扱うことを検証
func TestCipher_EmptyString(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	encrypted, err := cipher.Encrypt("")
	if err != nil || encrypted != "" {
		t.Errorf("Encrypt(\"\") = (%q, %v), want (\"\", nil)", encrypted, err)
	}
	decrypted, err := cipher.Decrypt("")
	if err != nil || decrypted != "" {
		t.Errorf("Decrypt(\"\") = (%q, %v), want (\"\", nil)", decrypted, err)
	}
}

// 同じ平文でもnonceにより暗号文が毎回異なることを検証
func TestCipher_NonDeterministic(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	first, err := cipher.Encrypt("token")
	if err != nil {
		t.Fatal(err)
	}
	second, err := cipher.Encrypt("token")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

// 不正な鍵長が拒否されることを検証
func TestNewCipher_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"not base64", "!!!not-base64!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCipher(tt.key); err == nil {
				t.Error("expected error for invalid key")
			}
		})
	}
}

// 改ざんされた暗号文が復号を拒否されることを検証
func TestCipher_TamperedCiphertext(t *testing.T) {
	cipher, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	encrypted, err := cipher.Encrypt("secret-token")
	if err != nil {
		t.Fatal(err)
	}

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := cipher.Decrypt(tampered); err == nil {
		t.Error("tampered ciphertext should fail to decrypt")
	}
}

// 別の鍵で作った暗号文が復号できないことを検証
func TestCipher_WrongKey(t *testing.T) {
	first, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	encrypted, err := first.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.Decrypt(encrypted); err == nil {
		t.Error("decryption with a different key should fail")
	}
}
