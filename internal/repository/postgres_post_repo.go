package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postdeck/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した投稿/ターゲットリポジトリ。
// ターゲットのstatus遷移はすべて条件付きUPDATEで表現し、
// 複数ワーカー間の排他をデータベースに委ねる。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// FindPost は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindPost(ctx context.Context, id string) (*model.ScheduledPost, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, hashtags, privacy,
		        allow_comments, allow_duet, allow_stitch, media,
		        scheduled_time, created_at, updated_at
		 FROM scheduled_posts WHERE id = $1`, id)

	post := &model.ScheduledPost{}
	var hashtagsJSON, mediaJSON []byte
	err := row.Scan(
		&post.ID, &post.UserID, &post.Title, &post.Description,
		&hashtagsJSON, &post.Privacy,
		&post.AllowComments, &post.AllowDuet, &post.AllowStitch,
		&mediaJSON, &post.ScheduledTime, &post.CreatedAt, &post.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の読み取りに失敗しました: %w", err)
	}

	if err := json.Unmarshal(hashtagsJSON, &post.Hashtags); err != nil {
		return nil, fmt.Errorf("ハッシュタグの復元に失敗しました: %w", err)
	}
	if err := json.Unmarshal(mediaJSON, &post.Media); err != nil {
		return nil, fmt.Errorf("メディアセットの復元に失敗しました: %w", err)
	}
	return post, nil
}

// CreatePost は投稿とターゲット行を同一トランザクションで作成する。
func (r *PostgresPostRepo) CreatePost(ctx context.Context, post *model.ScheduledPost, accountIDs []string) error {
	hashtagsJSON, err := json.Marshal(post.Hashtags)
	if err != nil {
		return fmt.Errorf("ハッシュタグのエンコードに失敗しました: %w", err)
	}
	mediaJSON, err := json.Marshal(post.Media)
	if err != nil {
		return fmt.Errorf("メディアセットのエンコードに失敗しました: %w", err)
	}
	if post.ID == "" {
		post.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scheduled_posts (id, user_id, title, description, hashtags,
		        privacy, allow_comments, allow_duet, allow_stitch, media, scheduled_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		post.ID, post.UserID, post.Title, post.Description, hashtagsJSON,
		post.Privacy, post.AllowComments, post.AllowDuet, post.AllowStitch,
		mediaJSON, post.ScheduledTime,
	)
	if err != nil {
		return fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}

	for _, accountID := range accountIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO post_targets (post_id, account_id, status, scheduled_time)
			 VALUES ($1, $2, 'pending', $3)`,
			post.ID, accountID, post.ScheduledTime,
		)
		if err != nil {
			return fmt.Errorf("ターゲットの作成に失敗しました (account=%s): %w", accountID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

const targetColumns = `post_id, account_id, status, retry_count, last_error,
	        next_attempt_at, published_at, scheduled_time, updated_at`

// ListDueTargets は期限到来したpending/queuedターゲットを
// (scheduled_time, post_id)昇順で返す。再試行待ちのものは除外する。
func (r *PostgresPostRepo) ListDueTargets(ctx context.Context, now time.Time, limit int) ([]*model.PostTarget, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+targetColumns+`
		 FROM post_targets
		 WHERE status IN ('pending', 'queued', 'converting')
		   AND scheduled_time <= $1
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		 ORDER BY scheduled_time ASC, post_id ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("期限到来ターゲットの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var targets []*model.PostTarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ターゲット一覧の走査に失敗しました: %w", err)
	}
	return targets, nil
}

// ClaimTarget はpending/queued → publishing の条件付き遷移を試みる。
// 行が遷移できた場合のみtrueを返す。
func (r *PostgresPostRepo) ClaimTarget(ctx context.Context, postID, accountID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE post_targets SET status = 'publishing', updated_at = now()
		 WHERE post_id = $1 AND account_id = $2 AND status IN ('pending', 'queued')`,
		postID, accountID,
	)
	if err != nil {
		return false, fmt.Errorf("ターゲットのクレームに失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected == 1, nil
}

// MarkConverting はpending/queued → converting の遷移を行う。
func (r *PostgresPostRepo) MarkConverting(ctx context.Context, postID, accountID string) error {
	return r.transition(ctx, postID, accountID,
		`UPDATE post_targets SET status = 'converting', updated_at = now()
		 WHERE post_id = $1 AND account_id = $2 AND status IN ('pending', 'queued')`)
}

// MarkQueued はconverting/publishing → queued の遷移を行う。
func (r *PostgresPostRepo) MarkQueued(ctx context.Context, postID, accountID string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE post_targets SET status = 'queued', next_attempt_at = $3, updated_at = now()
		 WHERE post_id = $1 AND account_id = $2 AND status IN ('converting', 'publishing')`,
		postID, accountID, nullTime(nextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("ターゲットの再キューに失敗しました: %w", err)
	}
	return nil
}

// MarkPublished はpublishing → published の終端遷移を行う。
func (r *PostgresPostRepo) MarkPublished(ctx context.Context, postID, accountID string, publishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE post_targets SET status = 'published', published_at = $3,
		        last_error = NULL, updated_at = now()
		 WHERE post_id = $1 AND account_id = $2 AND status = 'publishing'`,
		postID, accountID, publishedAt,
	)
	if err != nil {
		return fmt.Errorf("公開完了の記録に失敗しました: %w", err)
	}
	return nil
}

// MarkFailed は終端のfailed遷移を行い、最後のエラーを保存する。
func (r *PostgresPostRepo) MarkFailed(ctx context.Context, postID, accountID string, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE post_targets SET status = 'failed', last_error = $3, updated_at = now()
		 WHERE post_id = $1 AND account_id = $2
		   AND status NOT IN ('published', 'cancelled')`,
		postID, accountID, lastError,
	)
	if err != nil {
		return fmt.Errorf("公開失敗の記録に失敗しました: %w", err)
	}
	return nil
}

// RecordRetry はpublishing → queued に戻し、リトライ回数を加算する。
func (r *PostgresPostRepo) RecordRetry(ctx context.Context, postID, accountID string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE post_targets SET status = 'queued', retry_count = retry_count + 1,
		        next_attempt_at = $3, updated_at = now()
		 WHERE post_id = $1 AND account_id = $2 AND status = 'publishing'`,
		postID, accountID, nextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("リトライの記録に失敗しました: %w", err)
	}
	return nil
}

// CancelTarget はpending/queued/convertingの取り下げを試みる。
// 遷移できた場合のみtrueを返す。publishing以降は失敗する。
func (r *PostgresPostRepo) CancelTarget(ctx context.Context, postID, accountID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE post_targets SET status = 'cancelled', updated_at = now()
		 WHERE post_id = $1 AND account_id = $2
		   AND status IN ('pending', 'queued', 'converting')`,
		postID, accountID,
	)
	if err != nil {
		return false, fmt.Errorf("ターゲットの取り下げに失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected == 1, nil
}

// FindTarget は指定ペアのターゲットを取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindTarget(ctx context.Context, postID, accountID string) (*model.PostTarget, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM post_targets
		 WHERE post_id = $1 AND account_id = $2`,
		postID, accountID,
	)
	target, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return target, err
}

func (r *PostgresPostRepo) transition(ctx context.Context, postID, accountID, query string) error {
	_, err := r.db.ExecContext(ctx, query, postID, accountID)
	if err != nil {
		return fmt.Errorf("ターゲットの状態遷移に失敗しました: %w", err)
	}
	return nil
}

func scanTarget(row rowScanner) (*model.PostTarget, error) {
	target := &model.PostTarget{}
	var lastError sql.NullString
	var nextAttemptAt, publishedAt sql.NullTime

	err := row.Scan(
		&target.PostID, &target.AccountID, &target.Status,
		&target.RetryCount, &lastError, &nextAttemptAt, &publishedAt,
		&target.ScheduledTime, &target.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("ターゲットの読み取りに失敗しました: %w", err)
	}

	target.LastError = nullStringValue(lastError)
	if nextAttemptAt.Valid {
		target.NextAttemptAt = nextAttemptAt.Time
	}
	if publishedAt.Valid {
		target.PublishedAt = publishedAt.Time
	}
	return target, nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
