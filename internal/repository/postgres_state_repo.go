package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
)

// PostgresOAuthStateRepo はPostgreSQLを使用したOAuth stateリポジトリ。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

// Create はstateレコードを保存する。
func (r *PostgresOAuthStateRepo) Create(ctx context.Context, state *model.OAuthState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, code_verifier, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		state.State, nullString(state.CodeVerifier), state.UserID,
		state.CreatedAt, state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("OAuth stateの保存に失敗しました: %w", err)
	}
	return nil
}

// Consume はstateを単一の文で削除しつつ返す。存在しない場合はnil。
// 同一stateへの並行呼び出しでは高々1つだけが非nilを受け取る。
func (r *PostgresOAuthStateRepo) Consume(ctx context.Context, state string) (*model.OAuthState, error) {
	row := r.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state = $1
		 RETURNING state, code_verifier, user_id, created_at, expires_at`,
		state,
	)

	st := &model.OAuthState{}
	var codeVerifier sql.NullString
	err := row.Scan(&st.State, &codeVerifier, &st.UserID, &st.CreatedAt, &st.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("OAuth stateの消費に失敗しました: %w", err)
	}
	st.CodeVerifier = nullStringValue(codeVerifier)
	return st, nil
}

// DeleteExpired は期限切れのstateレコードを削除し、件数を返す。
func (r *PostgresOAuthStateRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("期限切れstateの削除に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// compile-time interface check
var _ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
