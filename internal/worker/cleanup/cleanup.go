// Package cleanup は古い公開記録の自動削除ジョブを提供する。
// 保持期間（デフォルト180日）を超過した公開試行記録と、
// 終端状態のまま残った変換ジョブを日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過した公開記録の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
// 公開試行は追記専用のため、削除は本ジョブの保持期間切れに限られる。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 公開記録の保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は180日。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 180,
	}
}

// Run は保持期間を超過した公開試行記録と終端状態の変換ジョブを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	attemptQuery := `DELETE FROM publish_attempts WHERE attempted_at < now() - $1::interval`
	attemptResult, err := j.db.ExecContext(ctx, attemptQuery, interval)
	if err != nil {
		j.logger.Error("公開試行記録のクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("公開試行記録のクリーンアップに失敗: %w", err)
	}

	deletedAttempts, err := attemptResult.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	jobQuery := `DELETE FROM conversion_jobs
		WHERE state IN ('ready', 'failed') AND updated_at < now() - $1::interval`
	jobResult, err := j.db.ExecContext(ctx, jobQuery, interval)
	if err != nil {
		j.logger.Error("変換ジョブのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("変換ジョブのクリーンアップに失敗: %w", err)
	}

	deletedJobs, err := jobResult.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("公開記録クリーンアップジョブが完了しました",
		slog.Int64("deleted_attempts", deletedAttempts),
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
