package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/postdeck/internal/model"
)

// PostgresConversionJobRepo はPostgreSQLを使用した変換ジョブリポジトリ。
type PostgresConversionJobRepo struct {
	db *sql.DB
}

// NewPostgresConversionJobRepo はPostgresConversionJobRepoを生成する。
func NewPostgresConversionJobRepo(db *sql.DB) *PostgresConversionJobRepo {
	return &PostgresConversionJobRepo{db: db}
}

// FindByPostID は投稿IDでジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresConversionJobRepo) FindByPostID(ctx context.Context, postID string) (*model.ConversionJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, post_id, media, state, output_path, work_dir, error_detail,
		        created_at, updated_at
		 FROM conversion_jobs WHERE post_id = $1`, postID)

	job := &model.ConversionJob{}
	var mediaJSON []byte
	var outputPath, workDir, errorDetail sql.NullString
	err := row.Scan(
		&job.ID, &job.PostID, &mediaJSON, &job.State,
		&outputPath, &workDir, &errorDetail,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("変換ジョブの読み取りに失敗しました: %w", err)
	}

	if err := json.Unmarshal(mediaJSON, &job.Media); err != nil {
		return nil, fmt.Errorf("メディアセットの復元に失敗しました: %w", err)
	}
	job.OutputPath = nullStringValue(outputPath)
	job.WorkDir = nullStringValue(workDir)
	job.ErrorDetail = nullStringValue(errorDetail)
	return job, nil
}

// Create はジョブをpending状態で作成する。
func (r *PostgresConversionJobRepo) Create(ctx context.Context, job *model.ConversionJob) error {
	mediaJSON, err := json.Marshal(job.Media)
	if err != nil {
		return fmt.Errorf("メディアセットのエンコードに失敗しました: %w", err)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO conversion_jobs (id, post_id, media, state)
		 VALUES ($1, $2, $3, 'pending')`,
		job.ID, job.PostID, mediaJSON,
	)
	if err != nil {
		return fmt.Errorf("変換ジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// MarkRunning はpending → running の条件付き遷移を試みる。
// 勝者のみtrueを返し、二重変換を防止する。
func (r *PostgresConversionJobRepo) MarkRunning(ctx context.Context, id, workDir string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET state = 'running', work_dir = $2, updated_at = now()
		 WHERE id = $1 AND state = 'pending'`,
		id, workDir,
	)
	if err != nil {
		return false, fmt.Errorf("変換ジョブの開始記録に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected == 1, nil
}

// MarkReady はrunning → ready の遷移を行い、出力パスを保存する。
func (r *PostgresConversionJobRepo) MarkReady(ctx context.Context, id, outputPath string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET state = 'ready', output_path = $2,
		        work_dir = NULL, updated_at = now()
		 WHERE id = $1 AND state = 'running'`,
		id, outputPath,
	)
	if err != nil {
		return fmt.Errorf("変換完了の記録に失敗しました: %w", err)
	}
	return nil
}

// MarkFailed はrunning → failed の遷移を行い、診断出力を保存する。
func (r *PostgresConversionJobRepo) MarkFailed(ctx context.Context, id, errorDetail string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET state = 'failed', error_detail = $2,
		        work_dir = NULL, updated_at = now()
		 WHERE id = $1 AND state = 'running'`,
		id, errorDetail,
	)
	if err != nil {
		return fmt.Errorf("変換失敗の記録に失敗しました: %w", err)
	}
	return nil
}

// ListOrphanWorkDirs はready/failed以外で作業ディレクトリを持つジョブの
// ID → work_dir を返す。クラッシュ後の起動時掃除に使用する。
func (r *PostgresConversionJobRepo) ListOrphanWorkDirs(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, work_dir FROM conversion_jobs
		 WHERE work_dir IS NOT NULL AND state NOT IN ('ready', 'failed')`)
	if err != nil {
		return nil, fmt.Errorf("孤立作業ディレクトリの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	dirs := make(map[string]string)
	for rows.Next() {
		var id, workDir string
		if err := rows.Scan(&id, &workDir); err != nil {
			return nil, fmt.Errorf("作業ディレクトリの読み取りに失敗しました: %w", err)
		}
		dirs[id] = workDir
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("作業ディレクトリ一覧の走査に失敗しました: %w", err)
	}
	return dirs, nil
}

// ClearWorkDir はジョブのwork_dirをクリアし、状態をpendingに戻す。
func (r *PostgresConversionJobRepo) ClearWorkDir(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET work_dir = NULL,
		        state = CASE WHEN state = 'running' THEN 'pending' ELSE state END,
		        updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("作業ディレクトリのクリアに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ConversionJobRepository = (*PostgresConversionJobRepo)(nil)
