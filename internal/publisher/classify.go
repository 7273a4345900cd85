package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
)

// defaultRetryAfter はRetry-Afterヘッダーがないレート制限応答の既定遅延。
const defaultRetryAfter = time.Minute

// ClassifyHTTPStatus は公開APIのHTTPステータスをエラー分類に変換する。
//
//   - 2xx: nil
//   - 429: RATE_LIMITED（リトライ予算を消費しない）
//   - 401: ACCOUNT_REVOKED（資格情報の失効）
//   - その他4xx: PUBLISH_PERMANENT_ERROR
//   - 5xx: PUBLISH_TRANSIENT_ERROR
func ClassifyHTTPStatus(status int, retryAfterHeader, reason string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return model.NewRateLimitedError(parseRetryAfter(retryAfterHeader))
	case status == http.StatusUnauthorized:
		return model.NewAccountRevokedError("")
	case status >= 400 && status < 500:
		return model.NewPublishPermanentError(status, reason)
	default:
		return model.NewPublishTransientError(status, reason)
	}
}

// ClassifyTransportError はHTTP呼び出し自体の失敗を分類する。
// タイムアウトと接続障害はすべて一時障害として扱う。
func ClassifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewPublishTransientError(0, "request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewPublishTransientError(0, "request timed out")
	}
	return model.NewPublishTransientError(0, fmt.Sprintf("request failed: %v", err))
}

// parseRetryAfter はRetry-Afterヘッダー（秒数形式）を解釈する。
// 解釈できない場合は既定遅延を返す。
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

// OutcomeForError は分類済みエラーを試行記録の結果区分に変換する。
func OutcomeForError(err error) model.AttemptOutcome {
	switch {
	case err == nil:
		return model.AttemptOutcomeSuccess
	case model.IsCode(err, model.ErrCodeRateLimited):
		return model.AttemptOutcomeRateLimited
	case model.IsCode(err, model.ErrCodePublishTransient),
		model.IsCode(err, model.ErrCodeRefreshTransientError):
		return model.AttemptOutcomeTransient
	default:
		return model.AttemptOutcomePermanent
	}
}
