// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
)

// TokenCipher はトークンの保存時暗号化のインターフェース。
// AccountRepositoryがトークンフィールドの読み書きに使用する。
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AccountRepository は接続アカウントの永続化インターフェース。
// トークンフィールドはTokenLifecycleManager経由でのみ更新される。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByPlatformUserID はプラットフォーム側ユーザーIDでアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByPlatformUserID(ctx context.Context, platformUserID string) (*model.Account, error)

	// ListByUserID はダッシュボードユーザーの接続アカウント一覧を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Account, error)

	// Upsert はplatform_user_idをキーにアカウントを作成または更新する。
	// 新規作成した場合はtrueを返す。再接続時はトークンと状態を上書きする。
	Upsert(ctx context.Context, account *model.Account) (bool, error)

	// UpdateTokens はトークンフィールドと有効期限、last_refreshedを更新し、
	// statusをactiveに戻す。
	UpdateTokens(ctx context.Context, account *model.Account) error

	// UpdateStatus はアカウントの状態とエラーメッセージを更新する。
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus, lastError string) error

	// ListNeedingRefresh はトークン期限がthreshold以前に到来するactiveアカウントと、
	// status が error / expired のアカウントを返す。定期スイープの対象選択に使用する。
	ListNeedingRefresh(ctx context.Context, threshold time.Time) ([]*model.Account, error)
}

// OAuthStateRepository は一時的なCSRF/PKCEレコードの永続化インターフェース。
type OAuthStateRepository interface {
	// Create はOAuthStateを保存する。
	Create(ctx context.Context, state *model.OAuthState) error

	// Consume はstate値でレコードを原子的に削除して返す。
	// 存在しない（未登録または消費済み）場合はnilを返す。
	// 期限切れ判定は呼び出し側が行う（期限切れでも削除される）。
	Consume(ctx context.Context, state string) (*model.OAuthState, error)

	// DeleteExpired は期限切れレコードを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// PostRepository は公開予約投稿と(投稿, アカウント)ターゲットの永続化インターフェース。
// statusフィールドの遷移はここで定義するクレーム/遷移操作に限る。
type PostRepository interface {
	// FindPost は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindPost(ctx context.Context, id string) (*model.ScheduledPost, error)

	// CreatePost は投稿とターゲット行を同一トランザクションで作成する。
	CreatePost(ctx context.Context, post *model.ScheduledPost, accountIDs []string) error

	// ListDueTargets はscheduled_time <= now かつ再試行待ちでない
	// pending/queuedターゲットを(scheduled_time, post_id)昇順で返す。
	ListDueTargets(ctx context.Context, now time.Time, limit int) ([]*model.PostTarget, error)

	// ClaimTarget はpending/queued → publishing の条件付き遷移を試みる。
	// 勝者のみtrueを返す。複数スケジューラインスタンス間で排他を保証する。
	ClaimTarget(ctx context.Context, postID, accountID string) (bool, error)

	// MarkConverting はpending/queued → converting の遷移を行う。
	MarkConverting(ctx context.Context, postID, accountID string) error

	// MarkQueued はconverting/publishing → queued の遷移を行う。
	// nextAttemptAtが非ゼロの場合は次回試行時刻として記録する。
	MarkQueued(ctx context.Context, postID, accountID string, nextAttemptAt time.Time) error

	// MarkPublished はpublishing → published の終端遷移を行う。
	MarkPublished(ctx context.Context, postID, accountID string, publishedAt time.Time) error

	// MarkFailed は終端のfailed遷移を行い、最後のエラーを保存する。
	MarkFailed(ctx context.Context, postID, accountID string, lastError string) error

	// RecordRetry はpublishing → queued に戻し、リトライ回数を加算して
	// 次回試行時刻を設定する。
	RecordRetry(ctx context.Context, postID, accountID string, nextAttemptAt time.Time) error

	// CancelTarget は取り下げを試みる。pending/queued/convertingのみ成功し、
	// 成功時trueを返す。publishing以降は取り下げ不可。
	CancelTarget(ctx context.Context, postID, accountID string) (bool, error)

	// FindTarget は指定ペアのターゲットを取得する。見つからない場合はnilを返す。
	FindTarget(ctx context.Context, postID, accountID string) (*model.PostTarget, error)
}

// ConversionJobRepository はスライドショー変換ジョブの永続化インターフェース。
type ConversionJobRepository interface {
	// FindByPostID は投稿IDでジョブを取得する。見つからない場合はnilを返す。
	FindByPostID(ctx context.Context, postID string) (*model.ConversionJob, error)

	// Create はジョブをpending状態で作成する。
	Create(ctx context.Context, job *model.ConversionJob) error

	// MarkRunning はpending → running の条件付き遷移を試みる。
	// 勝者のみtrueを返す（二重変換の防止）。
	MarkRunning(ctx context.Context, id, workDir string) (bool, error)

	// MarkReady はrunning → ready の遷移を行い、出力パスを保存する。
	MarkReady(ctx context.Context, id, outputPath string) error

	// MarkFailed はrunning → failed の遷移を行い、診断出力を保存する。
	MarkFailed(ctx context.Context, id, errorDetail string) error

	// ListOrphanWorkDirs はready/failed以外で作業ディレクトリを持つジョブの
	// work_dirを返す。起動時のごみ掃除に使用する。
	ListOrphanWorkDirs(ctx context.Context) (map[string]string, error)

	// ClearWorkDir はジョブのwork_dirをクリアする。
	ClearWorkDir(ctx context.Context, id string) error
}

// PublishAttemptRepository は公開試行の追記専用記録のインターフェース。
type PublishAttemptRepository interface {
	// Append は試行記録を追記する。更新・削除は提供しない。
	Append(ctx context.Context, attempt *model.PublishAttempt) error

	// ListByTarget は指定ペアの試行履歴を新しい順で返す。
	ListByTarget(ctx context.Context, postID, accountID string) ([]*model.PublishAttempt, error)
}
