package model

import "time"

// AttemptOutcome は公開試行1回の結果分類を表す。
type AttemptOutcome string

const (
	// AttemptOutcomeSuccess は公開成功。
	AttemptOutcomeSuccess AttemptOutcome = "success"
	// AttemptOutcomeRateLimited はプラットフォームのレート制限。
	// retry-after遅延で再スケジュールされ、リトライ回数は消費しない。
	AttemptOutcomeRateLimited AttemptOutcome = "rate_limited"
	// AttemptOutcomeTransient は一時障害（タイムアウト、5xx）。バックオフ付き再試行。
	AttemptOutcomeTransient AttemptOutcome = "transient_error"
	// AttemptOutcomePermanent は恒久的失敗（バリデーション拒否、資格情報失効）。
	AttemptOutcomePermanent AttemptOutcome = "permanent_error"
)

// PublishAttempt は1つの(投稿, アカウント)ペアに対する公開API呼び出し1回の
// 追記専用記録を表す。失敗した試行も必ず記録される。
type PublishAttempt struct {
	ID             string
	PostID         string
	AccountID      string
	IdempotencyKey string
	HTTPStatus     int
	Outcome        AttemptOutcome
	PlatformPostID string
	ErrorMessage   string
	AttemptedAt    time.Time
}
