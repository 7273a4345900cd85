// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/postdeck/internal/middleware"
	"github.com/hitoshi/postdeck/internal/model"
)

// FlowServiceInterface はOAuthハンドラーが必要とするサービスインターフェース。
type FlowServiceInterface interface {
	// BeginAuthorization は認可フローを開始し、プロバイダーの認可URLを返す。
	BeginAuthorization(ctx context.Context, userID string) (string, error)
	// CompleteAuthorization はコールバックを処理してアカウントを保存する。
	CompleteAuthorization(ctx context.Context, state, code, providerErr string) (*model.AccountSummary, error)
}

// OAuthHandlerConfig はOAuthハンドラーの設定。
type OAuthHandlerConfig struct {
	// DashboardBaseURL はコールバック後のリダイレクト先ダッシュボードURL。
	DashboardBaseURL string
}

// ConnectionRecorder はアカウント接続成功のメトリクス記録インターフェース。
type ConnectionRecorder interface {
	RecordAccountConnected()
}

// OAuthHandler はアカウント接続フローのHTTPハンドラー。
// コールバックの失敗は固定語彙のエラーコードでダッシュボードへ
// リダイレクトし、内部エラーの詳細はログのみに記録する。
type OAuthHandler struct {
	service   FlowServiceInterface
	collector ConnectionRecorder
	config    OAuthHandlerConfig
}

// NewOAuthHandler はOAuthHandlerを生成する。collectorはnil可。
func NewOAuthHandler(service FlowServiceInterface, collector ConnectionRecorder, config OAuthHandlerConfig) *OAuthHandler {
	return &OAuthHandler{
		service:   service,
		collector: collector,
		config:    config,
	}
}

// Authorize はアカウント接続フローを開始する。
// GET /authorize?user_id=xxx
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "MISSING_USER_ID",
			Message:  "user_idパラメーターが必要です。",
			Category: "validation",
			Action:   "ダッシュボードからアカウント接続をやり直してください。",
		})
		return
	}

	authURL, err := h.service.BeginAuthorization(r.Context(), userID)
	if err != nil {
		slog.Error("failed to begin authorization",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback はプロバイダーからの認可コールバックを処理する。
// GET /callback?code=xxx&state=yyy&error=zzz
//
// 成功時は success=true&account=<username> を付けてダッシュボードへ、
// 失敗時は固定語彙の error=<code> を付けてリダイレクトする。
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")
	providerErr := query.Get("error")

	if state == "" || (code == "" && providerErr == "") {
		h.redirectError(w, r, model.CallbackErrMissingParams)
		return
	}

	account, err := h.service.CompleteAuthorization(r.Context(), state, code, providerErr)
	if err != nil {
		h.redirectError(w, r, callbackCodeFor(err))
		return
	}

	if h.collector != nil {
		h.collector.RecordAccountConnected()
	}
	h.redirectDashboard(w, r, url.Values{
		"success": {"true"},
		"account": {account.Username},
	})
}

// callbackCodeFor は内部エラーをコールバックの固定語彙へ変換する。
func callbackCodeFor(err error) model.CallbackErrorCode {
	switch {
	case model.IsCode(err, model.ErrCodeStateExpired):
		return model.CallbackErrSessionExpired
	case model.IsCode(err, model.ErrCodeInvalidState):
		return model.CallbackErrCSRFFailed
	case model.IsCode(err, model.ErrCodeProviderDenied):
		return model.CallbackErrAccessDenied
	case model.IsCode(err, model.ErrCodeExchangeFailed):
		return model.CallbackErrConnectionFailed
	case model.IsCode(err, model.ErrCodeAccountNotFound):
		return model.CallbackErrUserNotFound
	default:
		return model.CallbackErrConnectionFailed
	}
}

func (h *OAuthHandler) redirectError(w http.ResponseWriter, r *http.Request, code model.CallbackErrorCode) {
	slog.Warn("oauth callback failed",
		slog.String("callback_error", string(code)),
	)
	h.redirectDashboard(w, r, url.Values{"error": {string(code)}})
}

func (h *OAuthHandler) redirectDashboard(w http.ResponseWriter, r *http.Request, params url.Values) {
	http.Redirect(w, r, h.config.DashboardBaseURL+"/accounts?"+params.Encode(), http.StatusFound)
}
