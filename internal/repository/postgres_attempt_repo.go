package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/postdeck/internal/model"
)

// PostgresPublishAttemptRepo はPostgreSQLを使用した公開試行記録リポジトリ。
// 追記専用で、更新・削除のクエリは持たない。
type PostgresPublishAttemptRepo struct {
	db *sql.DB
}

// NewPostgresPublishAttemptRepo はPostgresPublishAttemptRepoを生成する。
func NewPostgresPublishAttemptRepo(db *sql.DB) *PostgresPublishAttemptRepo {
	return &PostgresPublishAttemptRepo{db: db}
}

// Append は試行記録を追記する。
func (r *PostgresPublishAttemptRepo) Append(ctx context.Context, attempt *model.PublishAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO publish_attempts (id, post_id, account_id, idempotency_key,
		        http_status, outcome, platform_post_id, error_message, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		attempt.ID, attempt.PostID, attempt.AccountID, attempt.IdempotencyKey,
		attempt.HTTPStatus, attempt.Outcome,
		nullString(attempt.PlatformPostID), nullString(attempt.ErrorMessage),
		attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("公開試行記録の追記に失敗しました: %w", err)
	}
	return nil
}

// ListByTarget は指定ペアの試行履歴を新しい順で返す。
func (r *PostgresPublishAttemptRepo) ListByTarget(ctx context.Context, postID, accountID string) ([]*model.PublishAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, post_id, account_id, idempotency_key, http_status, outcome,
		        platform_post_id, error_message, attempted_at
		 FROM publish_attempts
		 WHERE post_id = $1 AND account_id = $2
		 ORDER BY attempted_at DESC`,
		postID, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("公開試行記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var attempts []*model.PublishAttempt
	for rows.Next() {
		attempt := &model.PublishAttempt{}
		var platformPostID, errorMessage sql.NullString
		err := rows.Scan(
			&attempt.ID, &attempt.PostID, &attempt.AccountID,
			&attempt.IdempotencyKey, &attempt.HTTPStatus, &attempt.Outcome,
			&platformPostID, &errorMessage, &attempt.AttemptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("公開試行記録の読み取りに失敗しました: %w", err)
		}
		attempt.PlatformPostID = nullStringValue(platformPostID)
		attempt.ErrorMessage = nullStringValue(errorMessage)
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("公開試行記録の走査に失敗しました: %w", err)
	}
	return attempts, nil
}

// compile-time interface check
var _ PublishAttemptRepository = (*PostgresPublishAttemptRepo)(nil)
