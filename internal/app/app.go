// Package app はアプリケーションの初期化とサブコマンド起動を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/postdeck/internal/config"
	"github.com/hitoshi/postdeck/internal/database"
	"github.com/hitoshi/postdeck/internal/handler"
	"github.com/hitoshi/postdeck/internal/logger"
	"github.com/hitoshi/postdeck/internal/media"
	"github.com/hitoshi/postdeck/internal/metrics"
	"github.com/hitoshi/postdeck/internal/oauth"
	"github.com/hitoshi/postdeck/internal/publisher"
	"github.com/hitoshi/postdeck/internal/repository"
	"github.com/hitoshi/postdeck/internal/security"
	"github.com/hitoshi/postdeck/internal/token"
	"github.com/hitoshi/postdeck/internal/worker/cleanup"
	publishpkg "github.com/hitoshi/postdeck/internal/worker/publish"
	"github.com/hitoshi/postdeck/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newProvider はプラットフォームのOAuthプロバイダーを生成する。
func newProvider(cfg *config.Config) *oauth.PlatformProvider {
	return oauth.NewPlatformProvider(oauth.ProviderConfig{
		ClientKey:    cfg.PlatformClientKey,
		ClientSecret: cfg.PlatformClientSecret,
		RedirectURL:  cfg.PlatformRedirectURL,
		Scopes:       strings.Split(cfg.PlatformScopes, ","),
	})
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、OAuthフローの依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. トークン暗号化とリポジトリの初期化
	cipher, err := token.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to init token cipher: %w", err)
	}

	accountRepo := repository.NewPostgresAccountRepo(db, cipher)
	stateRepo := repository.NewPostgresOAuthStateRepo(db)

	// 3. OAuthフローの初期化
	provider := newProvider(cfg)
	flowManager := oauth.NewFlowManager(provider, stateRepo, accountRepo, oauth.FlowConfig{
		UsePKCE: cfg.PlatformUsePKCE,
	})

	// 4. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 5. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		FlowService: flowManager,
		OAuthConfig: handler.OAuthHandlerConfig{
			DashboardBaseURL: cfg.DashboardBaseURL,
		},
		Collector: collector,
		DB:        db,
		Gatherer:  registry,
		Logger:    slog.Default(),
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 公開スケジューラ、トークンリフレッシュスイープ、クリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. トークン暗号化とリポジトリの初期化
	cipher, err := token.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to init token cipher: %w", err)
	}

	accountRepo := repository.NewPostgresAccountRepo(db, cipher)
	stateRepo := repository.NewPostgresOAuthStateRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	jobRepo := repository.NewPostgresConversionJobRepo(db)
	attemptRepo := repository.NewPostgresPublishAttemptRepo(db)

	// 3. メトリクスとセキュリティサービスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewCaptionSanitizer()

	// 4. トークンマネージャーの初期化
	provider := newProvider(cfg)
	tokenManager := token.NewManager(provider, accountRepo, token.ManagerConfig{
		RefreshWindow: cfg.TokenRefreshWindow,
	})

	// 5. メディア変換パイプラインの初期化
	fetcher := media.NewFetcher(ssrfGuard, cfg.ConvertTimeout, cfg.MediaMaxImageSize)
	validator := media.NewValidator(ssrfGuard, media.ValidatorConfig{
		MaxImages:         cfg.MediaMaxImages,
		MaxImageSizeBytes: cfg.MediaMaxImageSize,
	})
	pipeline := media.NewPipeline(jobRepo, fetcher, media.NewFFmpegEncoder(), validator, collector, media.PipelineConfig{
		WorkRoot:        cfg.MediaWorkDir,
		ImageDurationMS: cfg.ImageDurationMS,
		ConvertTimeout:  cfg.ConvertTimeout,
	})

	// 6. 公開クライアントとスケジューラの初期化
	publishClient := publisher.NewClient(publisher.ClientConfig{
		PollInterval: cfg.PublishPollInterval,
	})
	scheduler := publishpkg.NewScheduler(
		postRepo, accountRepo, attemptRepo,
		tokenManager, pipeline, publishClient,
		sanitizer, collector, slog.Default(),
		publishpkg.SchedulerConfig{
			MaxConcurrency: cfg.PublishMaxConcurrent,
			MaxAttempts:    cfg.PublishMaxAttempts,
			BackoffBase:    cfg.PublishBackoffBase,
			BackoffCap:     cfg.PublishBackoffCap,
			RatePerMinute:  cfg.PublishRatePerMin,
		},
	)

	// 7. スイープスケジューラの初期化
	sweeper := sweep.NewSweeper(tokenManager, stateRepo, pipeline, collector, slog.Default(), sweep.Config{
		RefreshSchedule: cfg.SweepSchedule,
	})

	// 8. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("publish_interval", cfg.PublishInterval),
		slog.Int("max_concurrent", cfg.PublishMaxConcurrent),
	)

	// スイープスケジューラを起動（起動時に孤児作業ディレクトリも回収する）
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweep scheduler: %w", err)
	}
	defer sweeper.Stop()

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 公開スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.PublishInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
