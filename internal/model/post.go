package model

import "time"

// ScheduledPost は公開予約された投稿を表す。
// 1つの投稿は複数アカウントへファンアウトでき、各ファンアウトは
// PostTargetとして独立に追跡される。
type ScheduledPost struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Hashtags    []string
	Privacy     PrivacyLevel

	AllowComments bool
	AllowDuet     bool
	AllowStitch   bool

	Media         MediaSet
	ScheduledTime time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PrivacyLevel は投稿の公開範囲を表す。
type PrivacyLevel string

const (
	PrivacyPublic  PrivacyLevel = "public"
	PrivacyFriends PrivacyLevel = "friends"
	PrivacyPrivate PrivacyLevel = "private"
)

// PostTarget は(投稿, アカウント)ペアの公開状態を表す。
// statusフィールドはクレーム操作（条件付き遷移）経由でのみ更新される。
type PostTarget struct {
	PostID    string
	AccountID string
	Status    TargetStatus

	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	PublishedAt   time.Time
	UpdatedAt     time.Time

	// スケジューラが選択順序に使用する（postから複製）
	ScheduledTime time.Time
}

// TargetStatus は(投稿, アカウント)ペアの公開ライフサイクル状態を表す。
type TargetStatus string

const (
	// TargetStatusPending は公開予定時刻待ちの初期状態。
	TargetStatusPending TargetStatus = "pending"
	// TargetStatusConverting はメディア変換待ちの状態。
	TargetStatusConverting TargetStatus = "converting"
	// TargetStatusQueued は公開可能になりワーカー待ちの状態。
	TargetStatusQueued TargetStatus = "queued"
	// TargetStatusPublishing はクレーム済みで公開呼び出し中の状態。
	TargetStatusPublishing TargetStatus = "publishing"
	// TargetStatusPublished は公開成功の終端状態。
	TargetStatusPublished TargetStatus = "published"
	// TargetStatusFailed は公開失敗の状態。リトライ予算内ならqueuedに戻る。
	TargetStatusFailed TargetStatus = "failed"
	// TargetStatusCancelled はユーザーによる取り下げの終端状態。
	// pending/queued/convertingからのみ遷移できる。
	TargetStatusCancelled TargetStatus = "cancelled"
)

// Withdrawable はこの状態から取り下げ可能かを返す。
// publishing以降はインフライトの呼び出し完了を待ち、結果は記録される。
func (s TargetStatus) Withdrawable() bool {
	switch s {
	case TargetStatusPending, TargetStatusQueued, TargetStatusConverting:
		return true
	}
	return false
}
