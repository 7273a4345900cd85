// Package model はドメインモデルを定義する。
package model

import "time"

// Account はOAuthで接続されたプラットフォームアカウントを表す。
// トークンフィールドはTokenLifecycleManagerだけが読み書きする。
type Account struct {
	ID             string
	UserID         string
	PlatformUserID string
	Username       string
	DisplayName    string
	AvatarURL      string
	Status         AccountStatus

	// OAuthトークン（保存時はAES-GCMで暗号化される。ログ出力禁止）
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	LastRefreshed  time.Time

	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccountStatus はアカウントの接続状態を表す。
type AccountStatus string

const (
	// AccountStatusActive は有効なアカウント状態。
	AccountStatusActive AccountStatus = "active"
	// AccountStatusExpired はトークン期限がすでに過ぎた状態。スイープが再試行する。
	AccountStatusExpired AccountStatus = "expired"
	// AccountStatusRevoked はアクセス取り消し状態。再認可が必要。
	AccountStatusRevoked AccountStatus = "revoked"
	// AccountStatusError はリフレッシュの一時障害状態。スイープが再試行する。
	AccountStatusError AccountStatus = "error"
)

// TokenExpiresWithin はトークンの有効期限がwindow以内に到来するかを返す。
func (a *Account) TokenExpiresWithin(window time.Duration, now time.Time) bool {
	return !a.TokenExpiresAt.After(now.Add(window))
}

// AccountSummary はOAuth完了時にAPIレイヤーへ返すアカウント概要。
// トークンを含まない。
type AccountSummary struct {
	ID          string
	Username    string
	DisplayName string
	Created     bool
}
