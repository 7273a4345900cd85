package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

// GenerateStateが十分な長さのURLセーフな値を返すことを検証
func TestGenerateState_Length(t *testing.T) {
	state, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState failed: %v", err)
	}
	// 32バイト → base64urlで43文字
	if len(state) < 43 {
		t.Errorf("state length = %d, want >= 43", len(state))
	}
	if _, err := base64.RawURLEncoding.DecodeString(state); err != nil {
		t.Errorf("state is not valid base64url: %v", err)
	}
}

// GenerateStateが呼び出しごとに異なる値を返すことを検証
func TestGenerateState_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState failed: %v", err)
		}
		if seen[state] {
			t.Fatalf("duplicate state generated: %s", state)
		}
		seen[state] = true
	}
}

// GenerateCodeVerifierがRFC 7636の長さ要件を満たすことを検証
func TestGenerateCodeVerifier_Length(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("GenerateCodeVerifier failed: %v", err)
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		t.Errorf("verifier length = %d, want 43..128", len(verifier))
	}
}

// ChallengeS256がSHA-256のbase64url符号化であることを検証
func TestChallengeS256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	if got := ChallengeS256(verifier); got != want {
		t.Errorf("ChallengeS256 = %q, want %q", got, want)
	}
}

// ChallengeS256が決定的であることを検証
func TestChallengeS256_Deterministic(t *testing.T) {
	if ChallengeS256("abc") != ChallengeS256("abc") {
		t.Error("ChallengeS256 should be deterministic")
	}
	if ChallengeS256("abc") == ChallengeS256("abd") {
		t.Error("different verifiers should produce different challenges")
	}
}
