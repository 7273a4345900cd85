package publisher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hitoshi/postdeck/internal/model"
)

const (
	defaultBaseURL      = "https://open.tiktokapis.com"
	initEndpoint        = "/v2/post/publish/video/init/"
	statusFetchEndpoint = "/v2/post/publish/status/fetch/"

	publishStatusComplete = "PUBLISH_COMPLETE"
	publishStatusFailed   = "FAILED"
)

// PublishRequest は公開1回分の入力。
type PublishRequest struct {
	// AccessToken はアカウントの有効なアクセストークン。ログには出力されない。
	AccessToken string
	// IdempotencyKey は(投稿, アカウント)ペアに対して決定的なキー。
	IdempotencyKey string

	Caption       string
	Privacy       model.PrivacyLevel
	AllowComments bool
	AllowDuet     bool
	AllowStitch   bool

	// VideoPath は公開する動画アーティファクトのローカルパス。
	VideoPath string
}

// PublishResult は公開成功の結果。
type PublishResult struct {
	PlatformPostID string
	HTTPStatus     int
}

// Publisher はプラットフォーム公開APIのインターフェース。
// テストではHTTPを呼ばないスタブ実装と差し替える。
type Publisher interface {
	// Publish は初期化・アップロード・ステータス確認の一連の公開フローを実行する。
	// 失敗はmodelのエラー分類（RATE_LIMITED / PUBLISH_TRANSIENT_ERROR /
	// PUBLISH_PERMANENT_ERROR / ACCOUNT_REVOKED）で返す。
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
}

// ClientConfig は公開APIクライアントの設定。
type ClientConfig struct {
	// BaseURL はAPIのベースURL。テスト用にオーバーライド可能。
	BaseURL string
	// PollInterval はステータス確認の間隔。
	PollInterval time.Duration
	// PollTimeout はステータス確認全体の上限時間。
	PollTimeout time.Duration
}

// Client はresty製の公開APIクライアント。
type Client struct {
	http   *resty.Client
	config ClientConfig
}

// NewClient はClientを生成する。
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 2 * time.Minute
	}
	httpClient := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(30 * time.Second)
	return &Client{http: httpClient, config: config}
}

// privacyLevelFor はダッシュボードの公開範囲をプラットフォームの列挙値に対応づける。
func privacyLevelFor(p model.PrivacyLevel) string {
	switch p {
	case model.PrivacyFriends:
		return "MUTUAL_FOLLOW_FRIENDS"
	case model.PrivacyPrivate:
		return "SELF_ONLY"
	default:
		return "PUBLIC_TO_EVERYONE"
	}
}

type initRequest struct {
	PostInfo   initPostInfo   `json:"post_info"`
	SourceInfo initSourceInfo `json:"source_info"`
}

type initPostInfo struct {
	Title          string `json:"title"`
	PrivacyLevel   string `json:"privacy_level"`
	DisableComment bool   `json:"disable_comment"`
	DisableDuet    bool   `json:"disable_duet"`
	DisableStitch  bool   `json:"disable_stitch"`
}

type initSourceInfo struct {
	Source          string `json:"source"`
	VideoSize       int64  `json:"video_size"`
	ChunkSize       int64  `json:"chunk_size"`
	TotalChunkCount int    `json:"total_chunk_count"`
}

type initResponse struct {
	Data struct {
		PublishID string `json:"publish_id"`
		UploadURL string `json:"upload_url"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type statusRequest struct {
	PublishID string `json:"publish_id"`
}

type statusResponse struct {
	Data struct {
		Status        string   `json:"status"`
		FailReason    string   `json:"fail_reason"`
		PublicPostIDs []string `json:"publicaly_available_post_id"`
	} `json:"data"`
}

// Publish は初期化・アップロード・ステータス確認の一連の公開フローを実行する。
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	video, err := os.ReadFile(req.VideoPath)
	if err != nil {
		return nil, model.NewPublishPermanentError(0, fmt.Sprintf("video artifact unreadable: %v", err))
	}

	publishID, uploadURL, status, err := c.initPublish(ctx, req, int64(len(video)))
	if err != nil {
		return nil, err
	}

	if err := c.upload(ctx, uploadURL, video); err != nil {
		return nil, err
	}

	postID, err := c.awaitCompletion(ctx, req.AccessToken, publishID)
	if err != nil {
		return nil, err
	}
	return &PublishResult{PlatformPostID: postID, HTTPStatus: status}, nil
}

// initPublish は公開セッションを初期化してアップロード先を得る。
func (c *Client) initPublish(ctx context.Context, req PublishRequest, videoSize int64) (string, string, int, error) {
	body := initRequest{
		PostInfo: initPostInfo{
			Title:          req.Caption,
			PrivacyLevel:   privacyLevelFor(req.Privacy),
			DisableComment: !req.AllowComments,
			DisableDuet:    !req.AllowDuet,
			DisableStitch:  !req.AllowStitch,
		},
		SourceInfo: initSourceInfo{
			Source:          "FILE_UPLOAD",
			VideoSize:       videoSize,
			ChunkSize:       videoSize,
			TotalChunkCount: 1,
		},
	}

	var parsed initResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(req.AccessToken).
		SetHeader("X-Idempotency-Key", req.IdempotencyKey).
		SetBody(body).
		SetResult(&parsed).
		SetError(&parsed).
		Post(initEndpoint)
	if err != nil {
		return "", "", 0, ClassifyTransportError(err)
	}

	if classifyErr := ClassifyHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), parsed.Error.Message); classifyErr != nil {
		return "", "", resp.StatusCode(), classifyErr
	}
	if parsed.Data.PublishID == "" || parsed.Data.UploadURL == "" {
		return "", "", resp.StatusCode(), model.NewPublishTransientError(resp.StatusCode(), "init response missing publish_id or upload_url")
	}
	return parsed.Data.PublishID, parsed.Data.UploadURL, resp.StatusCode(), nil
}

// upload は動画を単一チャンクでアップロードする。
func (c *Client) upload(ctx context.Context, uploadURL string, video []byte) error {
	resp, err := resty.New().R().
		SetContext(ctx).
		SetHeader("Content-Type", "video/mp4").
		SetHeader("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(video)-1, len(video))).
		SetBody(video).
		Put(uploadURL)
	if err != nil {
		return ClassifyTransportError(err)
	}
	return ClassifyHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), "upload failed")
}

// awaitCompletion は公開処理の完了をポーリングで待つ。
func (c *Client) awaitCompletion(ctx context.Context, accessToken, publishID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		var parsed statusResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(accessToken).
			SetBody(statusRequest{PublishID: publishID}).
			SetResult(&parsed).
			Post(statusFetchEndpoint)
		if err != nil {
			return "", ClassifyTransportError(err)
		}
		if classifyErr := ClassifyHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), "status fetch failed"); classifyErr != nil {
			return "", classifyErr
		}

		switch parsed.Data.Status {
		case publishStatusComplete:
			if len(parsed.Data.PublicPostIDs) > 0 {
				return parsed.Data.PublicPostIDs[0], nil
			}
			return publishID, nil
		case publishStatusFailed:
			return "", model.NewPublishPermanentError(resp.StatusCode(), parsed.Data.FailReason)
		}

		select {
		case <-ctx.Done():
			return "", model.NewPublishTransientError(0, "publish status polling timed out")
		case <-ticker.C:
		}
	}
}

// compile-time interface check
var _ Publisher = (*Client)(nil)
