// Package oauth はプラットフォームとのOAuth 2.0接続フローを提供する。
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAuthURL     = "https://www.tiktok.com/v2/auth/authorize/"
	defaultTokenURL    = "https://open.tiktokapis.com/v2/oauth/token/"
	defaultRevokeURL   = "https://open.tiktokapis.com/v2/oauth/revoke/"
	defaultUserInfoURL = "https://open.tiktokapis.com/v2/user/info/"
)

// ProviderConfig はプラットフォームOAuthプロバイダーの設定。
type ProviderConfig struct {
	ClientKey    string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	RevokeURL   string
	UserInfoURL string

	HTTPClient *http.Client
}

// PlatformProvider はプラットフォームのOAuth 2.0エンドポイントを呼び出す。
type PlatformProvider struct {
	config ProviderConfig
	client *http.Client
}

// NewPlatformProvider はPlatformProviderを生成する。
func NewPlatformProvider(config ProviderConfig) *PlatformProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaultRevokeURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultUserInfoURL
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PlatformProvider{config: config, client: client}
}

// TokenGrant はトークンエンドポイントが返す資格情報。
type TokenGrant struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	PlatformUserID string
	Scope          string
}

// PlatformUserInfo はユーザー情報エンドポイントのレスポンス。
type PlatformUserInfo struct {
	PlatformUserID string
	Username       string
	DisplayName    string
	AvatarURL      string
}

// AuthorizeURL は認可URLを生成する。codeChallengeが非空の場合は
// PKCE (S256) のパラメータを付与する。
func (p *PlatformProvider) AuthorizeURL(state, codeChallenge string) string {
	params := url.Values{
		"client_key":    {p.config.ClientKey},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {strings.Join(p.config.Scopes, ",")},
		"state":         {state},
	}
	if codeChallenge != "" {
		params.Set("code_challenge", codeChallenge)
		params.Set("code_challenge_method", "S256")
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// platformTokenResponse はトークンエンドポイントのレスポンス。
// フラット形式と data ラップ形式の両方を受け付ける。
type platformTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	OpenID           string `json:"open_id"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`

	Data *struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		OpenID       string `json:"open_id"`
		Scope        string `json:"scope"`
	} `json:"data"`
}

// flatten はdataラップ形式をフラットなフィールドにまとめる。
func (r *platformTokenResponse) flatten() {
	if r.Data == nil {
		return
	}
	if r.AccessToken == "" {
		r.AccessToken = r.Data.AccessToken
	}
	if r.RefreshToken == "" {
		r.RefreshToken = r.Data.RefreshToken
	}
	if r.ExpiresIn == 0 {
		r.ExpiresIn = r.Data.ExpiresIn
	}
	if r.OpenID == "" {
		r.OpenID = r.Data.OpenID
	}
	if r.Scope == "" {
		r.Scope = r.Data.Scope
	}
}

// ExchangeCode は認可コードをトークンに交換する。
// codeVerifierはPKCEを使用しない構成では空文字列。
func (p *PlatformProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenGrant, error) {
	data := url.Values{
		"client_key":    {p.config.ClientKey},
		"client_secret": {p.config.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {p.config.RedirectURL},
	}
	if codeVerifier != "" {
		data.Set("code_verifier", codeVerifier)
	}
	return p.requestToken(ctx, data)
}

// Refresh はリフレッシュトークンで新しいトークンを取得する。
func (p *PlatformProvider) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	data := url.Values{
		"client_key":    {p.config.ClientKey},
		"client_secret": {p.config.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return p.requestToken(ctx, data)
}

// Revoke はアクセストークンの失効をプラットフォームに通知する。
// ベストエフォートであり、呼び出し側は失敗してもローカル失効を進める。
func (p *PlatformProvider) Revoke(ctx context.Context, accessToken string) error {
	data := url.Values{
		"client_key":    {p.config.ClientKey},
		"client_secret": {p.config.ClientSecret},
		"token":         {accessToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

// HTTPStatusError はトークンエンドポイントが2xx以外を返したことを表す。
type HTTPStatusError struct {
	StatusCode  int
	Description string
}

func (e *HTTPStatusError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint returned status %d: %s", e.StatusCode, e.Description)
	}
	return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
}

// requestToken はform-urlencodedでトークンエンドポイントを呼び出す。
func (p *PlatformProvider) requestToken(ctx context.Context, data url.Values) (*TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var tokenResp platformTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	tokenResp.flatten()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Description: tokenResp.ErrorDescription}
	}
	if tokenResp.Error != "" {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Description: tokenResp.Error + ": " + tokenResp.ErrorDescription}
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &TokenGrant{
		AccessToken:    tokenResp.AccessToken,
		RefreshToken:   tokenResp.RefreshToken,
		ExpiresAt:      time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		PlatformUserID: tokenResp.OpenID,
		Scope:          tokenResp.Scope,
	}, nil
}

// platformUserInfoResponse はユーザー情報エンドポイントのレスポンス。
type platformUserInfoResponse struct {
	Data struct {
		User struct {
			OpenID      string `json:"open_id"`
			Username    string `json:"username"`
			DisplayName string `json:"display_name"`
			AvatarURL   string `json:"avatar_url"`
		} `json:"user"`
	} `json:"data"`
}

// FetchUserInfo はアクセストークンでユーザー情報を取得する。
func (p *PlatformProvider) FetchUserInfo(ctx context.Context, accessToken string) (*PlatformUserInfo, error) {
	endpoint := p.config.UserInfoURL + "?fields=open_id,username,display_name,avatar_url"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d", resp.StatusCode)
	}

	var userResp platformUserInfoResponse
	if err := json.Unmarshal(body, &userResp); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}

	if userResp.Data.User.OpenID == "" {
		return nil, fmt.Errorf("empty open_id in user info response")
	}

	return &PlatformUserInfo{
		PlatformUserID: userResp.Data.User.OpenID,
		Username:       userResp.Data.User.Username,
		DisplayName:    userResp.Data.User.DisplayName,
		AvatarURL:      userResp.Data.User.AvatarURL,
	}, nil
}

// compile-time interface check
var _ Provider = (*PlatformProvider)(nil)
