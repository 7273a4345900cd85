package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/postdeck/internal/media"
	"github.com/hitoshi/postdeck/internal/metrics"
	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/publisher"
	"github.com/hitoshi/postdeck/internal/repository"
	"github.com/hitoshi/postdeck/internal/security"
	"github.com/hitoshi/postdeck/internal/token"
)

// TokenSource は公開に使う有効なアクセストークンの取得インターフェース。
type TokenSource interface {
	GetValidToken(ctx context.Context, accountID string) (string, error)
}

// ArtifactSource は公開対象の動画アーティファクトの取得インターフェース。
type ArtifactSource interface {
	EnsureReady(ctx context.Context, post *model.ScheduledPost) (string, bool, error)
}

// MetricsRecorder は公開結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordPublishOutcome(outcome string)
	RecordPublishLatency(duration time.Duration)
}

// nopMetrics はメトリクス未設定時のMetricsRecorder実装。
type nopMetrics struct{}

func (nopMetrics) RecordPublishOutcome(string)        {}
func (nopMetrics) RecordPublishLatency(time.Duration) {}

// SchedulerConfig は公開スケジューラの設定。
type SchedulerConfig struct {
	// MaxConcurrency はワーカープールの最大並列数。
	MaxConcurrency int
	// MaxAttempts は1ターゲットあたりのリトライ予算（一時障害のみ消費）。
	MaxAttempts int
	// BackoffBase は指数バックオフの初回遅延。
	BackoffBase time.Duration
	// BackoffCap は指数バックオフの最大遅延。
	BackoffCap time.Duration
	// RatePerMinute はアカウントごとの公開呼び出しレート制限。
	RatePerMinute int
	// ListLimit は1サイクルで取得する期限到来ターゲットの上限。
	ListLimit int
}

// Scheduler は予約投稿の公開スケジューリングと並列制御を行う。
// ティッカーで期限到来ターゲットを取得し、semaphoreパターンで
// 最大並列数を制御しながら公開を実行する。
//
// ターゲットのクレームは条件付きUPDATEで行われるため、
// 複数インスタンスが同時に動いても同じターゲットを二重公開しない。
type Scheduler struct {
	postRepo    repository.PostRepository
	accountRepo repository.AccountRepository
	attemptRepo repository.PublishAttemptRepository
	tokens      TokenSource
	artifacts   ArtifactSource
	pub         publisher.Publisher
	sanitizer   security.CaptionSanitizerService
	collector   MetricsRecorder
	logger      *slog.Logger
	config      SchedulerConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	inFlight map[string]bool
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	postRepo repository.PostRepository,
	accountRepo repository.AccountRepository,
	attemptRepo repository.PublishAttemptRepository,
	tokens TokenSource,
	artifacts ArtifactSource,
	pub publisher.Publisher,
	sanitizer security.CaptionSanitizerService,
	collector MetricsRecorder,
	logger *slog.Logger,
	config SchedulerConfig,
) *Scheduler {
	if collector == nil {
		collector = nopMetrics{}
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RatePerMinute <= 0 {
		config.RatePerMinute = 6
	}
	if config.ListLimit <= 0 {
		config.ListLimit = 100
	}
	return &Scheduler{
		postRepo:    postRepo,
		accountRepo: accountRepo,
		attemptRepo: attemptRepo,
		tokens:      tokens,
		artifacts:   artifacts,
		pub:         pub,
		sanitizer:   sanitizer,
		collector:   collector,
		logger:      logger,
		config:      config,
		limiters:    make(map[string]*rate.Limiter),
		inFlight:    make(map[string]bool),
	}
}

// Start はティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("公開スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("公開サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("公開スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("公開サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限到来ターゲットを1回取得し、並列で公開を実行する。
// semaphoreパターンで並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	targets, err := s.postRepo.ListDueTargets(ctx, start, s.config.ListLimit)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	s.logger.Info("公開サイクルを開始します",
		slog.Int("target_count", len(targets)),
	)

	sem := make(chan struct{}, s.config.MaxConcurrency)
	var wg sync.WaitGroup

	for _, target := range targets {
		// 同一アカウントの公開は同時に1つまで
		if !s.markInFlight(target.AccountID) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(t *model.PostTarget) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放
			defer s.clearInFlight(t.AccountID)

			if err := s.processTarget(ctx, t); err != nil {
				s.logger.Error("ターゲットの公開処理に失敗しました",
					slog.String("post_id", t.PostID),
					slog.String("account_id", t.AccountID),
					slog.String("error", err.Error()),
				)
			}
		}(target)
	}

	wg.Wait()

	s.logger.Info("公開サイクルが完了しました",
		slog.Int("target_count", len(targets)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (s *Scheduler) markInFlight(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[accountID] {
		return false
	}
	s.inFlight[accountID] = true
	return true
}

func (s *Scheduler) clearInFlight(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, accountID)
}

// limiterFor はアカウントごとのレートリミッタを返す。
func (s *Scheduler) limiterFor(accountID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[accountID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.config.RatePerMinute)), 1)
		s.limiters[accountID] = limiter
	}
	return limiter
}

// processTarget は1ターゲットの公開を処理する。
//
// 流れ: アーティファクト準備 → クレーム → ローカルレート制限 →
// トークン取得 → 公開 → 結果記録。
// 公開API呼び出し1回につき必ずPublishAttemptが1件記録される。
func (s *Scheduler) processTarget(ctx context.Context, target *model.PostTarget) error {
	post, err := s.postRepo.FindPost(ctx, target.PostID)
	if err != nil {
		return err
	}
	if post == nil {
		return s.postRepo.MarkFailed(ctx, target.PostID, target.AccountID, "post not found")
	}

	artifactPath, ready, err := s.ensureArtifact(ctx, target, post)
	if err != nil || !ready {
		return err
	}

	// pending/queued → publishing。敗者はここで手を引く。
	claimed, err := s.postRepo.ClaimTarget(ctx, target.PostID, target.AccountID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	// アカウントごとのローカルレート制限。枠がなければ再キューして譲る。
	limiter := s.limiterFor(target.AccountID)
	reservation := limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return s.postRepo.MarkQueued(ctx, target.PostID, target.AccountID, time.Now().Add(delay))
	}

	accessToken, err := s.tokens.GetValidToken(ctx, target.AccountID)
	if err != nil {
		s.recordAttempt(ctx, target, 0, err, "")
		return s.handleFailure(ctx, target, err)
	}

	caption, err := s.buildCaption(post)
	if err != nil {
		s.recordAttempt(ctx, target, 0, err, "")
		return s.handleFailure(ctx, target, err)
	}

	publishStart := time.Now()
	result, err := s.pub.Publish(ctx, publisher.PublishRequest{
		AccessToken:    accessToken,
		IdempotencyKey: publisher.IdempotencyKey(target.PostID, target.AccountID),
		Caption:        caption,
		Privacy:        post.Privacy,
		AllowComments:  post.AllowComments,
		AllowDuet:      post.AllowDuet,
		AllowStitch:    post.AllowStitch,
		VideoPath:      artifactPath,
	})
	s.collector.RecordPublishLatency(time.Since(publishStart))
	if err != nil {
		s.recordAttempt(ctx, target, 0, err, "")
		return s.handleFailure(ctx, target, err)
	}

	s.recordAttempt(ctx, target, result.HTTPStatus, nil, result.PlatformPostID)
	if err := s.postRepo.MarkPublished(ctx, target.PostID, target.AccountID, time.Now()); err != nil {
		return err
	}
	s.logger.Info("投稿を公開しました",
		slog.String("post_id", target.PostID),
		slog.String("account_id", target.AccountID),
		slog.String("platform_post_id", result.PlatformPostID),
	)
	return nil
}

// ensureArtifact は公開に使う動画アーティファクトを用意する。
// スライドショー変換が必要な場合はconverting状態で同期的に変換する。
func (s *Scheduler) ensureArtifact(ctx context.Context, target *model.PostTarget, post *model.ScheduledPost) (string, bool, error) {
	if post.Media.IsVideo() {
		return post.Media.Items[0].Ref, true, nil
	}

	if target.Status != model.TargetStatusConverting {
		if err := s.postRepo.MarkConverting(ctx, target.PostID, target.AccountID); err != nil {
			return "", false, err
		}
	}

	artifactPath, ready, err := s.artifacts.EnsureReady(ctx, post)
	if err != nil {
		// 変換失敗は終端。リトライしても結果は変わらない。
		if markErr := s.postRepo.MarkFailed(ctx, target.PostID, target.AccountID, err.Error()); markErr != nil {
			return "", false, markErr
		}
		s.logger.Warn("メディア変換に失敗したためターゲットを失敗にしました",
			slog.String("post_id", target.PostID),
			slog.String("account_id", target.AccountID),
		)
		return "", false, nil
	}
	if !ready {
		// 別ワーカーが変換中。次サイクルで拾い直す。
		return "", false, nil
	}

	// converting → queued に戻してクレーム可能にする
	if err := s.postRepo.MarkQueued(ctx, target.PostID, target.AccountID, time.Time{}); err != nil {
		return "", false, err
	}
	return artifactPath, true, nil
}

// buildCaption は説明文とハッシュタグからキャプションを組み立てる。
func (s *Scheduler) buildCaption(post *model.ScheduledPost) (string, error) {
	parts := []string{post.Description}
	for _, tag := range post.Hashtags {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
		if tag != "" {
			parts = append(parts, "#"+tag)
		}
	}
	caption := s.sanitizer.Sanitize(strings.TrimSpace(strings.Join(parts, " ")))

	if err := s.sanitizer.Validate(caption); err != nil {
		return "", model.NewPublishPermanentError(0, fmt.Sprintf("caption invalid: %v", err))
	}
	return caption, nil
}

// recordAttempt は公開試行を追記専用ログに記録する。
// 記録自体の失敗は公開結果に影響させない。
func (s *Scheduler) recordAttempt(ctx context.Context, target *model.PostTarget, httpStatus int, pubErr error, platformPostID string) {
	var apiErr *model.APIError
	if pubErr != nil && errors.As(pubErr, &apiErr) && apiErr.Status != 0 {
		httpStatus = apiErr.Status
	}
	errorMessage := ""
	if pubErr != nil {
		errorMessage = pubErr.Error()
	}

	attempt := &model.PublishAttempt{
		PostID:         target.PostID,
		AccountID:      target.AccountID,
		IdempotencyKey: publisher.IdempotencyKey(target.PostID, target.AccountID),
		HTTPStatus:     httpStatus,
		Outcome:        publisher.OutcomeForError(pubErr),
		PlatformPostID: platformPostID,
		ErrorMessage:   errorMessage,
		AttemptedAt:    time.Now(),
	}
	s.collector.RecordPublishOutcome(string(attempt.Outcome))
	if err := s.attemptRepo.Append(ctx, attempt); err != nil {
		s.logger.Error("公開試行の記録に失敗しました",
			slog.String("post_id", target.PostID),
			slog.String("account_id", target.AccountID),
			slog.String("error", err.Error()),
		)
	}
}

// handleFailure は公開失敗をエラー分類に応じて処理する。
//
//   - RATE_LIMITED: リトライ予算を消費せずretry-after遅延で再キュー
//   - 一時障害: リトライ予算内ならバックオフ付き再キュー、超過で失敗
//   - アカウント失効: アカウントをrevokedにしてターゲットを失敗
//   - 恒久的失敗: 即座に失敗
func (s *Scheduler) handleFailure(ctx context.Context, target *model.PostTarget, pubErr error) error {
	now := time.Now()

	switch {
	case model.IsCode(pubErr, model.ErrCodeRateLimited):
		var apiErr *model.APIError
		retryAfter := time.Minute
		if errors.As(pubErr, &apiErr) && apiErr.RetryAfter > 0 {
			retryAfter = apiErr.RetryAfter
		}
		s.logger.Info("レート制限により再スケジュールします",
			slog.String("post_id", target.PostID),
			slog.String("account_id", target.AccountID),
			slog.Duration("retry_after", retryAfter),
		)
		return s.postRepo.MarkQueued(ctx, target.PostID, target.AccountID, now.Add(retryAfter))

	case model.IsCode(pubErr, model.ErrCodeAccountRevoked):
		if err := s.accountRepo.UpdateStatus(ctx, target.AccountID, model.AccountStatusRevoked, pubErr.Error()); err != nil {
			return err
		}
		s.logger.Warn("アカウントの資格情報が失効しました",
			slog.String("account_id", target.AccountID),
		)
		return s.postRepo.MarkFailed(ctx, target.PostID, target.AccountID, pubErr.Error())

	case model.IsCode(pubErr, model.ErrCodePublishTransient),
		model.IsCode(pubErr, model.ErrCodeRefreshTransientError):
		if target.RetryCount+1 >= s.config.MaxAttempts {
			s.logger.Warn("リトライ予算を使い切ったためターゲットを失敗にしました",
				slog.String("post_id", target.PostID),
				slog.String("account_id", target.AccountID),
				slog.Int("retry_count", target.RetryCount),
			)
			return s.postRepo.MarkFailed(ctx, target.PostID, target.AccountID, pubErr.Error())
		}
		nextAttempt := NextAttemptAt(now, target.RetryCount, s.config.BackoffBase, s.config.BackoffCap)
		return s.postRepo.RecordRetry(ctx, target.PostID, target.AccountID, nextAttempt)

	default:
		return s.postRepo.MarkFailed(ctx, target.PostID, target.AccountID, pubErr.Error())
	}
}

// compile-time interface checks
var (
	_ TokenSource     = (*token.Manager)(nil)
	_ ArtifactSource  = (*media.Pipeline)(nil)
	_ MetricsRecorder = (*metrics.Collector)(nil)
)
