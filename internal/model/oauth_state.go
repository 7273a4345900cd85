package model

import "time"

// OAuthState はCSRF/PKCE検証用の一時レコードを表す。
// 認可開始時に作成され、コールバックで一度だけ消費（削除）される。
// TTL超過後の消費と二重消費はエラーになる。
type OAuthState struct {
	// State は認可URLに埋め込まれるランダム値（128ビット以上のエントロピー）。
	State string
	// CodeVerifier はPKCE用のコード検証子。PKCE無効時は空。
	CodeVerifier string
	UserID       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired はstateがnow時点で期限切れかを返す。
func (s *OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// OAuthStateTTL はOAuthStateの有効期間。10分を超えてはならない。
const OAuthStateTTL = 10 * time.Minute
