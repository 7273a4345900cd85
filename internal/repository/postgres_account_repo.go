package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postdeck/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
// トークンフィールドはTokenCipherで暗号化して保存する。
type PostgresAccountRepo struct {
	db     *sql.DB
	cipher TokenCipher
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB, cipher TokenCipher) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db, cipher: cipher}
}

const accountColumns = `id, user_id, platform_user_id, username, display_name, avatar_url,
	        status, access_token, refresh_token, token_expires_at, last_refreshed,
	        last_error, created_at, updated_at`

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return r.scanAccount(row)
}

// FindByPlatformUserID はプラットフォーム側ユーザーIDでアカウントを検索する。
func (r *PostgresAccountRepo) FindByPlatformUserID(ctx context.Context, platformUserID string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE platform_user_id = $1`, platformUserID)
	return r.scanAccount(row)
}

// ListByUserID はダッシュボードユーザーの接続アカウント一覧を返す。
func (r *PostgresAccountRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		account, err := r.scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アカウント一覧の走査に失敗しました: %w", err)
	}
	return accounts, nil
}

// Upsert はplatform_user_idをキーにアカウントを作成または更新する。
func (r *PostgresAccountRepo) Upsert(ctx context.Context, account *model.Account) (bool, error) {
	encAccess, err := r.cipher.Encrypt(account.AccessToken)
	if err != nil {
		return false, fmt.Errorf("アクセストークンの暗号化に失敗しました: %w", err)
	}
	encRefresh, err := r.cipher.Encrypt(account.RefreshToken)
	if err != nil {
		return false, fmt.Errorf("リフレッシュトークンの暗号化に失敗しました: %w", err)
	}

	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now()

	var inserted bool
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO accounts (id, user_id, platform_user_id, username, display_name,
		                       avatar_url, status, access_token, refresh_token,
		                       token_expires_at, last_refreshed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 ON CONFLICT (platform_user_id) DO UPDATE SET
		    user_id = EXCLUDED.user_id,
		    username = EXCLUDED.username,
		    display_name = EXCLUDED.display_name,
		    avatar_url = EXCLUDED.avatar_url,
		    status = EXCLUDED.status,
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    token_expires_at = EXCLUDED.token_expires_at,
		    last_refreshed = EXCLUDED.last_refreshed,
		    last_error = NULL,
		    updated_at = now()
		 RETURNING (xmax = 0), id`,
		account.ID, account.UserID, account.PlatformUserID, account.Username,
		account.DisplayName, nullString(account.AvatarURL), account.Status,
		encAccess, nullString(encRefresh), account.TokenExpiresAt,
		nullTime(account.LastRefreshed), now,
	).Scan(&inserted, &account.ID)
	if err != nil {
		return false, fmt.Errorf("アカウントのUPSERTに失敗しました: %w", err)
	}
	return inserted, nil
}

// UpdateTokens はトークンフィールドを更新し、statusをactiveに戻す。
func (r *PostgresAccountRepo) UpdateTokens(ctx context.Context, account *model.Account) error {
	encAccess, err := r.cipher.Encrypt(account.AccessToken)
	if err != nil {
		return fmt.Errorf("アクセストークンの暗号化に失敗しました: %w", err)
	}
	encRefresh, err := r.cipher.Encrypt(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("リフレッシュトークンの暗号化に失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE accounts SET
		    access_token = $2, refresh_token = $3, token_expires_at = $4,
		    last_refreshed = $5, status = 'active', last_error = NULL, updated_at = now()
		 WHERE id = $1`,
		account.ID, encAccess, nullString(encRefresh),
		account.TokenExpiresAt, account.LastRefreshed,
	)
	if err != nil {
		return fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus はアカウントの状態とエラーメッセージを更新する。
func (r *PostgresAccountRepo) UpdateStatus(ctx context.Context, id string, status model.AccountStatus, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, status, nullString(lastError),
	)
	if err != nil {
		return fmt.Errorf("アカウント状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ListNeedingRefresh はリフレッシュ対象のアカウントを返す。
// 期限がthreshold以前のactiveアカウントと、一時障害（error）・
// 期限切れ（expired）状態のアカウントが対象。
func (r *PostgresAccountRepo) ListNeedingRefresh(ctx context.Context, threshold time.Time) ([]*model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts
		 WHERE (status = 'active' AND token_expires_at <= $1)
		    OR status IN ('error', 'expired')
		 ORDER BY token_expires_at ASC`,
		threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("リフレッシュ対象アカウントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		account, err := r.scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リフレッシュ対象アカウントの走査に失敗しました: %w", err)
	}
	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAccount は1行をAccountに読み取り、トークンを復号する。
func (r *PostgresAccountRepo) scanAccount(row rowScanner) (*model.Account, error) {
	account, err := r.scanAccountRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return account, err
}

func (r *PostgresAccountRepo) scanAccountRows(row rowScanner) (*model.Account, error) {
	account := &model.Account{}
	var avatarURL, refreshToken, lastError sql.NullString
	var lastRefreshed sql.NullTime
	var encAccess string

	err := row.Scan(
		&account.ID, &account.UserID, &account.PlatformUserID,
		&account.Username, &account.DisplayName, &avatarURL,
		&account.Status, &encAccess, &refreshToken,
		&account.TokenExpiresAt, &lastRefreshed,
		&lastError, &account.CreatedAt, &account.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの読み取りに失敗しました: %w", err)
	}

	account.AvatarURL = nullStringValue(avatarURL)
	account.LastError = nullStringValue(lastError)
	if lastRefreshed.Valid {
		account.LastRefreshed = lastRefreshed.Time
	}

	account.AccessToken, err = r.cipher.Decrypt(encAccess)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの復号に失敗しました: %w", err)
	}
	if refreshToken.Valid {
		account.RefreshToken, err = r.cipher.Decrypt(refreshToken.String)
		if err != nil {
			return nil, fmt.Errorf("リフレッシュトークンの復号に失敗しました: %w", err)
		}
	}

	return account, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime はゼロ時刻をsql.NullTimeに変換する。
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
