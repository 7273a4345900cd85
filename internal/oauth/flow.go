package oauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
)

// Provider はプラットフォームOAuthエンドポイントのインターフェース。
// テスト用にモック実装と差し替え可能にするための抽象化。
type Provider interface {
	// AuthorizeURL は認可URLを生成する。
	AuthorizeURL(state, codeChallenge string) string
	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenGrant, error)
	// Refresh はリフレッシュトークンで新しいトークンを取得する。
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
	// Revoke はトークンの失効をプラットフォームに通知する。
	Revoke(ctx context.Context, accessToken string) error
	// FetchUserInfo はアクセストークンでユーザー情報を取得する。
	FetchUserInfo(ctx context.Context, accessToken string) (*PlatformUserInfo, error)
}

// FlowConfig はOAuthフローマネージャの設定。
type FlowConfig struct {
	// UsePKCE がtrueの場合、認可URLにcode_challengeを付与し
	// 交換時にcode_verifierを送信する。
	UsePKCE bool
	// StateTTL はstateレコードの有効期間。ゼロの場合は既定値を使用する。
	StateTTL time.Duration
}

// FlowManager はアカウント接続のOAuthフローを管理する。
type FlowManager struct {
	provider    Provider
	stateRepo   repository.OAuthStateRepository
	accountRepo repository.AccountRepository
	config      FlowConfig
}

// NewFlowManager はFlowManagerを生成する。
func NewFlowManager(
	provider Provider,
	stateRepo repository.OAuthStateRepository,
	accountRepo repository.AccountRepository,
	config FlowConfig,
) *FlowManager {
	if config.StateTTL <= 0 {
		config.StateTTL = model.OAuthStateTTL
	}
	return &FlowManager{
		provider:    provider,
		stateRepo:   stateRepo,
		accountRepo: accountRepo,
		config:      config,
	}
}

// BeginAuthorization は接続フローを開始する。
// stateを生成して保存し、ユーザーをリダイレクトする認可URLを返す。
func (m *FlowManager) BeginAuthorization(ctx context.Context, userID string) (string, error) {
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	var verifier, challenge string
	if m.config.UsePKCE {
		verifier, err = GenerateCodeVerifier()
		if err != nil {
			return "", err
		}
		challenge = ChallengeS256(verifier)
	}

	now := time.Now()
	record := &model.OAuthState{
		State:        state,
		CodeVerifier: verifier,
		UserID:       userID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.config.StateTTL),
	}
	if err := m.stateRepo.Create(ctx, record); err != nil {
		return "", err
	}

	slog.Info("authorization started", slog.String("user_id", userID))
	return m.provider.AuthorizeURL(state, challenge), nil
}

// CompleteAuthorization はコールバックを処理してアカウントを作成・更新する。
// 成功時はトークンを含まないアカウント概要を返す。
//
// stateは結果にかかわらず消費される（ワンタイム性の保証）。
// providerErrが非空（ユーザー拒否等）の場合でも、stateの検証を先に行う。
func (m *FlowManager) CompleteAuthorization(ctx context.Context, state, code, providerErr string) (*model.AccountSummary, error) {
	record, err := m.stateRepo.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	if record == nil {
		slog.Warn("oauth callback with unknown state")
		return nil, model.NewInvalidStateError("state not found or already used")
	}
	if record.Expired(time.Now()) {
		slog.Warn("oauth callback with expired state", slog.String("user_id", record.UserID))
		return nil, model.NewStateExpiredError()
	}

	if providerErr != "" {
		slog.Info("authorization denied by user",
			slog.String("user_id", record.UserID),
			slog.String("provider_error", providerErr),
		)
		return nil, model.NewProviderDeniedError(providerErr)
	}

	grant, err := m.provider.ExchangeCode(ctx, code, record.CodeVerifier)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			slog.Error("token exchange rejected",
				slog.String("user_id", record.UserID),
				slog.Int("status", statusErr.StatusCode),
			)
			return nil, model.NewExchangeFailedError(statusErr.StatusCode, statusErr.Description)
		}
		slog.Error("token exchange failed", slog.String("user_id", record.UserID))
		return nil, model.NewExchangeFailedError(0, err.Error())
	}

	userInfo, err := m.provider.FetchUserInfo(ctx, grant.AccessToken)
	if err != nil {
		slog.Error("user info fetch failed", slog.String("user_id", record.UserID))
		return nil, model.NewExchangeFailedError(0, err.Error())
	}

	now := time.Now()
	account := &model.Account{
		UserID:         record.UserID,
		PlatformUserID: userInfo.PlatformUserID,
		Username:       userInfo.Username,
		DisplayName:    userInfo.DisplayName,
		AvatarURL:      userInfo.AvatarURL,
		Status:         model.AccountStatusActive,
		AccessToken:    grant.AccessToken,
		RefreshToken:   grant.RefreshToken,
		TokenExpiresAt: grant.ExpiresAt,
		LastRefreshed:  now,
	}

	created, err := m.accountRepo.Upsert(ctx, account)
	if err != nil {
		return nil, err
	}

	slog.Info("account connected",
		slog.String("user_id", record.UserID),
		slog.String("account_id", account.ID),
		slog.Bool("created", created),
	)
	return &model.AccountSummary{
		ID:          account.ID,
		Username:    account.Username,
		DisplayName: account.DisplayName,
		Created:     created,
	}, nil
}
