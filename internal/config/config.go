// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuthプロバイダー
	PlatformClientKey    string
	PlatformClientSecret string
	PlatformRedirectURL  string
	PlatformScopes       string
	PlatformUsePKCE      bool

	// トークン
	TokenEncryptionKey string // 32バイト鍵のbase64エンコード（AES-256-GCM）
	TokenRefreshWindow time.Duration
	SweepSchedule      string // cron式

	// メディア変換
	MediaWorkDir      string
	MediaMaxImages    int
	MediaMaxImageSize int64
	ConvertTimeout    time.Duration
	ImageDurationMS   int

	// 公開スケジューラ
	PublishInterval      time.Duration
	PublishMaxConcurrent int
	PublishBackoffBase   time.Duration
	PublishBackoffCap    time.Duration
	PublishMaxAttempts   int
	PublishRatePerMin    int
	PublishPollInterval  time.Duration

	// Server
	ServerPort       string
	DashboardBaseURL string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（開発用。設定済みの環境変数が優先）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	// .envが無いのは正常（本番では環境変数を直接設定する）
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.PlatformClientKey = os.Getenv("PLATFORM_CLIENT_KEY")
	if cfg.PlatformClientKey == "" {
		missing = append(missing, "PLATFORM_CLIENT_KEY")
	}

	cfg.PlatformClientSecret = os.Getenv("PLATFORM_CLIENT_SECRET")
	if cfg.PlatformClientSecret == "" {
		missing = append(missing, "PLATFORM_CLIENT_SECRET")
	}

	cfg.PlatformRedirectURL = os.Getenv("PLATFORM_REDIRECT_URL")
	if cfg.PlatformRedirectURL == "" {
		missing = append(missing, "PLATFORM_REDIRECT_URL")
	}

	cfg.TokenEncryptionKey = os.Getenv("TOKEN_ENCRYPTION_KEY")
	if cfg.TokenEncryptionKey == "" {
		missing = append(missing, "TOKEN_ENCRYPTION_KEY")
	}

	cfg.DashboardBaseURL = os.Getenv("DASHBOARD_BASE_URL")
	if cfg.DashboardBaseURL == "" {
		missing = append(missing, "DASHBOARD_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.PlatformScopes = getEnvString("PLATFORM_SCOPES", "user.info.basic,video.upload,video.publish")
	cfg.PlatformUsePKCE = getEnvBool("PLATFORM_USE_PKCE", true)
	cfg.TokenRefreshWindow = getEnvDuration("TOKEN_REFRESH_WINDOW", 5*time.Minute)
	cfg.SweepSchedule = getEnvString("SWEEP_SCHEDULE", "*/10 * * * *")
	cfg.MediaWorkDir = getEnvString("MEDIA_WORK_DIR", os.TempDir())
	cfg.MediaMaxImages = getEnvInt("MEDIA_MAX_IMAGES", 10)
	cfg.MediaMaxImageSize = getEnvInt64("MEDIA_MAX_IMAGE_SIZE", 20*1024*1024)
	cfg.ConvertTimeout = getEnvDuration("CONVERT_TIMEOUT", 5*time.Minute)
	cfg.ImageDurationMS = getEnvInt("IMAGE_DURATION_MS", 4000)
	cfg.PublishInterval = getEnvDuration("PUBLISH_INTERVAL", time.Minute)
	cfg.PublishMaxConcurrent = getEnvInt("PUBLISH_MAX_CONCURRENT", 10)
	cfg.PublishBackoffBase = getEnvDuration("PUBLISH_BACKOFF_BASE", time.Second)
	cfg.PublishBackoffCap = getEnvDuration("PUBLISH_BACKOFF_CAP", 10*time.Minute)
	cfg.PublishMaxAttempts = getEnvInt("PUBLISH_MAX_ATTEMPTS", 3)
	cfg.PublishRatePerMin = getEnvInt("PUBLISH_RATE_PER_MIN", 6)
	cfg.PublishPollInterval = getEnvDuration("PUBLISH_POLL_INTERVAL", 5*time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
