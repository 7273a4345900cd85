package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/oauth"
	"github.com/hitoshi/postdeck/internal/repository"
)

// ManagerConfig はトークンライフサイクルマネージャの設定。
type ManagerConfig struct {
	// RefreshWindow は有効期限のこの時間前からリフレッシュを行う安全マージン。
	RefreshWindow time.Duration
}

// Manager はアクセストークンの取得・更新・失効を管理する。
//
// 同一アカウントへの並行リフレッシュはsingleflightで直列化され、
// プラットフォームへのリフレッシュ呼び出しは高々1回になる。
type Manager struct {
	provider    oauth.Provider
	accountRepo repository.AccountRepository
	config      ManagerConfig

	group singleflight.Group

	// sweepMu はプロセス内でスイープの多重実行を防ぐ。
	sweepMu sync.Mutex
}

// NewManager はManagerを生成する。
func NewManager(provider oauth.Provider, accountRepo repository.AccountRepository, config ManagerConfig) *Manager {
	if config.RefreshWindow <= 0 {
		config.RefreshWindow = 5 * time.Minute
	}
	return &Manager{
		provider:    provider,
		accountRepo: accountRepo,
		config:      config,
	}
}

// GetValidToken は指定アカウントの有効なアクセストークンを返す。
// 有効期限が安全マージン以内に迫っている場合は先にリフレッシュする。
// revokedアカウントは再認可なしでは回復しないため即座にエラーを返す。
func (m *Manager) GetValidToken(ctx context.Context, accountID string) (string, error) {
	account, err := m.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", model.NewAccountNotFoundError(accountID)
	}
	if account.Status == model.AccountStatusRevoked {
		return "", model.NewAccountRevokedError(accountID)
	}

	if !account.TokenExpiresWithin(m.config.RefreshWindow, time.Now()) {
		return account.AccessToken, nil
	}

	refreshed, err := m.refreshAccount(ctx, account)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refreshAccount はsingleflightでリフレッシュを直列化する。
// 待ち合わせた呼び出しは勝者の結果を共有する。
func (m *Manager) refreshAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	result, err, _ := m.group.Do(account.ID, func() (interface{}, error) {
		// 勝者決定までの間に別の呼び出しが更新済みの場合があるため再読込
		current, err := m.accountRepo.FindByID(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, model.NewAccountNotFoundError(account.ID)
		}
		if current.Status == model.AccountStatusRevoked {
			return nil, model.NewAccountRevokedError(account.ID)
		}
		if !current.TokenExpiresWithin(m.config.RefreshWindow, time.Now()) {
			return current, nil
		}
		return m.doRefresh(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.Account), nil
}

// doRefresh はプラットフォームのリフレッシュを1回実行し、結果を永続化する。
func (m *Manager) doRefresh(ctx context.Context, account *model.Account) (*model.Account, error) {
	if account.RefreshToken == "" {
		if err := m.accountRepo.UpdateStatus(ctx, account.ID, model.AccountStatusRevoked, "no refresh token"); err != nil {
			return nil, err
		}
		return nil, model.NewAccountRevokedError(account.ID)
	}

	grant, err := m.provider.Refresh(ctx, account.RefreshToken)
	if err != nil {
		return nil, m.recordRefreshFailure(ctx, account, err)
	}

	account.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		account.RefreshToken = grant.RefreshToken
	}
	account.TokenExpiresAt = grant.ExpiresAt
	account.LastRefreshed = time.Now()
	account.Status = model.AccountStatusActive
	account.LastError = ""

	if err := m.accountRepo.UpdateTokens(ctx, account); err != nil {
		return nil, err
	}

	slog.Info("token refreshed",
		slog.String("account_id", account.ID),
		slog.Time("expires_at", account.TokenExpiresAt),
	)
	return account, nil
}

// recordRefreshFailure はリフレッシュ失敗を分類して永続化する。
// 恒久的失敗（invalid_grant等）はrevoked、一時障害はerrorとして記録し、
// 後者は定期スイープが再試行する。
func (m *Manager) recordRefreshFailure(ctx context.Context, account *model.Account, refreshErr error) error {
	var statusErr *oauth.HTTPStatusError
	if errors.As(refreshErr, &statusErr) &&
		(statusErr.StatusCode == http.StatusBadRequest || statusErr.StatusCode == http.StatusUnauthorized) {
		slog.Warn("refresh token rejected, marking account revoked",
			slog.String("account_id", account.ID),
			slog.Int("status", statusErr.StatusCode),
		)
		if err := m.accountRepo.UpdateStatus(ctx, account.ID, model.AccountStatusRevoked, refreshErr.Error()); err != nil {
			return err
		}
		return model.NewAccountRevokedError(account.ID)
	}

	// 有効期限をすでに過ぎたトークンのリフレッシュ失敗はexpired、
	// 期限内（安全マージンによる先行リフレッシュ）の失敗はerrorとして記録する。
	// どちらも定期スイープが再試行する。
	status := model.AccountStatusError
	if account.TokenExpiresAt.Before(time.Now()) {
		status = model.AccountStatusExpired
	}
	slog.Warn("token refresh failed transiently",
		slog.String("account_id", account.ID),
		slog.String("status", string(status)),
	)
	if err := m.accountRepo.UpdateStatus(ctx, account.ID, status, refreshErr.Error()); err != nil {
		return err
	}
	return model.NewRefreshTransientError(refreshErr.Error())
}

// SweepResult は1回のスイープの集計。
type SweepResult struct {
	Scanned   int
	Refreshed int
	Failed    int
}

// RefreshSweep は期限が迫ったアカウントと一時障害状態のアカウントを
// 走査してリフレッシュする。アカウント間で失敗は伝搬しない。
// プロセス内で多重実行された場合、後続はスキップされる。
func (m *Manager) RefreshSweep(ctx context.Context) (SweepResult, error) {
	if !m.sweepMu.TryLock() {
		slog.Debug("refresh sweep already running, skipping")
		return SweepResult{}, nil
	}
	defer m.sweepMu.Unlock()

	threshold := time.Now().Add(m.config.RefreshWindow)
	accounts, err := m.accountRepo.ListNeedingRefresh(ctx, threshold)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list accounts needing refresh: %w", err)
	}

	result := SweepResult{Scanned: len(accounts)}
	for _, account := range accounts {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, err := m.refreshAccount(ctx, account); err != nil {
			result.Failed++
			continue
		}
		result.Refreshed++
	}

	if result.Scanned > 0 {
		slog.Info("refresh sweep completed",
			slog.Int("scanned", result.Scanned),
			slog.Int("refreshed", result.Refreshed),
			slog.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// Revoke はアカウントの接続を解除する。
// プラットフォームへの失効通知はベストエフォートで、失敗しても
// ローカルの失効は必ず行われる。
func (m *Manager) Revoke(ctx context.Context, accountID string) error {
	account, err := m.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return model.NewAccountNotFoundError(accountID)
	}

	if account.AccessToken != "" {
		if err := m.provider.Revoke(ctx, account.AccessToken); err != nil {
			slog.Warn("remote token revocation failed, revoking locally anyway",
				slog.String("account_id", accountID),
			)
		}
	}

	if err := m.accountRepo.UpdateStatus(ctx, accountID, model.AccountStatusRevoked, ""); err != nil {
		return err
	}
	slog.Info("account disconnected", slog.String("account_id", accountID))
	return nil
}
