package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// GenerateState はCSRF対策用のstate値を生成する（128ビット以上のエントロピー）。
func GenerateState() (string, error) {
	return randomURLSafe(32)
}

// GenerateCodeVerifier はPKCEのcode_verifierを生成する。
// RFC 7636の43〜128文字の要件を満たす。
func GenerateCodeVerifier() (string, error) {
	return randomURLSafe(64)
}

// ChallengeS256 はcode_verifierからS256方式のcode_challengeを導出する。
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// randomURLSafe はnバイトの乱数をbase64url（パディングなし）で返す。
func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
