package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// 安定したエラーコードと、UIに表示するカテゴリ・対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: oauth, token, media, publish, validation, system
	Action   string // ユーザー向け対処方法

	// Status は上流HTTPステータス。ExchangeFailed等で設定される。
	Status int
	// RetryAfter はレート制限時のプラットフォーム指定遅延。
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	// OAuthフロー（すべてその試行について終端。ユーザーはやり直しが必要）
	ErrCodeInvalidState   = "INVALID_STATE"
	ErrCodeStateExpired   = "STATE_EXPIRED"
	ErrCodeProviderDenied = "PROVIDER_DENIED"
	ErrCodeExchangeFailed = "EXCHANGE_FAILED"

	// トークンライフサイクル
	ErrCodeAccountRevoked        = "ACCOUNT_REVOKED"
	ErrCodeRefreshTransientError = "REFRESH_TRANSIENT_ERROR"
	ErrCodeAccountNotFound       = "ACCOUNT_NOT_FOUND"

	// メディア変換
	ErrCodeInvalidMediaSet  = "INVALID_MEDIA_SET"
	ErrCodeConversionFailed = "CONVERSION_FAILED"

	// 公開
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodePublishTransient  = "PUBLISH_TRANSIENT_ERROR"
	ErrCodePublishPermanent  = "PUBLISH_PERMANENT_ERROR"
)

// NewInvalidStateError は無効なOAuth stateエラーを生成する。
// 未登録・二重消費のいずれでも同じコードを返す。
// 期限切れはNewStateExpiredErrorで区別する。
func NewInvalidStateError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("OAuth stateの検証に失敗しました: %s", reason),
		Category: "oauth",
		Action:   "アカウント接続を最初からやり直してください。",
	}
}

// NewStateExpiredError は期限切れのOAuth stateエラーを生成する。
// 有効期限内に戻ってこなかった正常なフローであり、CSRF疑いとは区別される。
func NewStateExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeStateExpired,
		Message:  "OAuth stateの有効期限が切れています",
		Category: "oauth",
		Action:   "セッションの有効期限が切れました。アカウント接続をやり直してください。",
	}
}

// NewProviderDeniedError はプロバイダーが認可を拒否した場合のエラーを生成する。
func NewProviderDeniedError(errorParam string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderDenied,
		Message:  fmt.Sprintf("プロバイダーが認可を拒否しました: %s", errorParam),
		Category: "oauth",
		Action:   "プラットフォーム側で許可した上で、アカウント接続をやり直してください。",
	}
}

// NewExchangeFailedError はトークン交換失敗エラーを生成する。
// statusには上流HTTPステータスを設定する（ネットワークエラー時は0）。
func NewExchangeFailedError(status int, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeExchangeFailed,
		Message:  fmt.Sprintf("認可コードのトークン交換に失敗しました: %s", reason),
		Category: "oauth",
		Action:   "しばらく待ってから、アカウント接続をやり直してください。",
		Status:   status,
	}
}

// NewAccountRevokedError はアクセス取り消しエラーを生成する。
// 終端エラーであり、自動再試行は行われない。ユーザーの再認可が必要。
func NewAccountRevokedError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountRevoked,
		Message:  fmt.Sprintf("アカウントのアクセスが取り消されています: %s", accountID),
		Category: "token",
		Action:   "アカウントを再接続して認可し直してください。",
	}
}

// NewRefreshTransientError はトークンリフレッシュの一時障害エラーを生成する。
// 定期スイープが後で再試行する。
func NewRefreshTransientError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshTransientError,
		Message:  fmt.Sprintf("トークンリフレッシュに一時的に失敗しました: %s", reason),
		Category: "token",
		Action:   "自動的に再試行されます。継続する場合はアカウントを再接続してください。",
	}
}

// NewAccountNotFoundError はアカウント未検出エラーを生成する。
func NewAccountNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("指定されたアカウントが見つかりません: %s", accountID),
		Category: "token",
		Action:   "アカウントIDを確認してください。",
	}
}

// NewInvalidMediaSetError は不正なメディアセットエラーを生成する。
// messageには最初に検出した違反（アイテムインデックス順）を含める。
func NewInvalidMediaSetError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMediaSet,
		Message:  fmt.Sprintf("メディアセットが不正です: %s", reason),
		Category: "media",
		Action:   "スライドショーは画像2〜10枚、または動画1本を指定してください。",
	}
}

// NewConversionFailedError は変換失敗エラーを生成する。
// ジョブごとに終端であり、入力を変更しない限り再試行されない。
func NewConversionFailedError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeConversionFailed,
		Message:  fmt.Sprintf("スライドショー変換に失敗しました: %s", detail),
		Category: "media",
		Action:   "メディアを確認して投稿を作り直してください。",
	}
}

// NewRateLimitedError はレート制限シグナルを生成する。
// 呼び出し側から見ればエラーではなく、retryAfter後の再スケジュール指示。
// リトライ回数は消費しない。
func NewRateLimitedError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    fmt.Sprintf("プラットフォームのレート制限により%v後に再試行します", retryAfter),
		Category:   "publish",
		Action:     "自動的に再試行されます。",
		RetryAfter: retryAfter,
	}
}

// NewPublishTransientError は公開の一時障害エラーを生成する。
// バックオフ付きで有限回再試行される。
func NewPublishTransientError(status int, reason string) *APIError {
	return &APIError{
		Code:     ErrCodePublishTransient,
		Message:  fmt.Sprintf("公開呼び出しが一時的に失敗しました: %s", reason),
		Category: "publish",
		Action:   "自動的に再試行されます。",
		Status:   status,
	}
}

// NewPublishPermanentError は公開の恒久的失敗エラーを生成する。
// 終端であり再試行されない。
func NewPublishPermanentError(status int, reason string) *APIError {
	return &APIError{
		Code:     ErrCodePublishPermanent,
		Message:  fmt.Sprintf("公開がプラットフォームに拒否されました: %s", reason),
		Category: "publish",
		Action:   "投稿内容とアカウントの状態を確認してください。",
		Status:   status,
	}
}

// IsCode はerrが指定コードのAPIErrorかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// CallbackErrorCode はOAuthコールバックのリダイレクトに載せる固定語彙。
type CallbackErrorCode string

const (
	CallbackErrSessionExpired   CallbackErrorCode = "session_expired"
	CallbackErrMissingParams    CallbackErrorCode = "missing_params"
	CallbackErrUserNotFound     CallbackErrorCode = "user_not_found"
	CallbackErrCSRFFailed       CallbackErrorCode = "csrf_failed"
	CallbackErrConnectionFailed CallbackErrorCode = "connection_failed"
	CallbackErrAccessDenied     CallbackErrorCode = "access_denied"
)
