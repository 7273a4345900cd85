package media

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hitoshi/postdeck/internal/security"
)

// Fetcher はリモートのメディアアセットを作業ディレクトリへダウンロードする。
// HTTPクライアントはSSRF防止付きで、プライベートアドレスへの取得を拒否する。
type Fetcher struct {
	client  *resty.Client
	maxSize int64
}

// NewFetcher はFetcherを生成する。
func NewFetcher(guard security.SSRFGuardService, timeout time.Duration, maxSize int64) *Fetcher {
	client := resty.NewWithClient(guard.NewSafeClient(timeout, maxSize))
	return &Fetcher{client: client, maxSize: maxSize}
}

// Fetch はrefをdestPathへダウンロードする。
// ローカルパスの場合はダウンロードせずそのまま返す。
func (f *Fetcher) Fetch(ctx context.Context, ref, destDir, filename string) (string, error) {
	if !isRemoteRef(ref) {
		return ref, nil
	}

	destPath := filepath.Join(destDir, filename)
	resp, err := f.client.R().
		SetContext(ctx).
		SetOutput(destPath).
		Get(ref)
	if err != nil {
		return "", fmt.Errorf("failed to download media: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("media download returned status %d", resp.StatusCode())
	}
	return destPath, nil
}
