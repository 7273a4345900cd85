// Package sweep はトークンリフレッシュと期限切れレコードの定期掃除ジョブを提供する。
// cronスケジュールで実行され、各ジョブは冪等に設計されている。
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/postdeck/internal/metrics"
	"github.com/hitoshi/postdeck/internal/repository"
	"github.com/hitoshi/postdeck/internal/token"
)

var _ MetricsRecorder = (*metrics.Collector)(nil)

const (
	// defaultRefreshSchedule はトークンリフレッシュスイープの実行間隔。
	defaultRefreshSchedule = "*/10 * * * *"
	// defaultStateSchedule は期限切れOAuth stateの削除間隔。
	defaultStateSchedule = "@hourly"
)

// TokenSweeper はトークンリフレッシュスイープのインターフェース。
type TokenSweeper interface {
	RefreshSweep(ctx context.Context) (token.SweepResult, error)
}

// OrphanSweeper は孤児作業ディレクトリの掃除インターフェース。
type OrphanSweeper interface {
	SweepOrphans(ctx context.Context) error
}

// MetricsRecorder はリフレッシュ結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordTokenRefreshSuccess()
	RecordTokenRefreshFailure()
}

// nopMetrics はメトリクス未設定時のMetricsRecorder実装。
type nopMetrics struct{}

func (nopMetrics) RecordTokenRefreshSuccess() {}
func (nopMetrics) RecordTokenRefreshFailure() {}

// Config はスイープジョブのスケジュール設定。
type Config struct {
	RefreshSchedule string
	StateSchedule   string
}

// Sweeper は定期掃除ジョブをcronスケジュールで実行する。
type Sweeper struct {
	tokens    TokenSweeper
	states    repository.OAuthStateRepository
	orphans   OrphanSweeper
	collector MetricsRecorder
	logger    *slog.Logger
	config    Config
	cron      *cron.Cron
}

// NewSweeper はSweeperの新しいインスタンスを生成する。
func NewSweeper(
	tokens TokenSweeper,
	states repository.OAuthStateRepository,
	orphans OrphanSweeper,
	collector MetricsRecorder,
	logger *slog.Logger,
	config Config,
) *Sweeper {
	if config.RefreshSchedule == "" {
		config.RefreshSchedule = defaultRefreshSchedule
	}
	if config.StateSchedule == "" {
		config.StateSchedule = defaultStateSchedule
	}
	if collector == nil {
		collector = nopMetrics{}
	}
	return &Sweeper{
		tokens:    tokens,
		states:    states,
		orphans:   orphans,
		collector: collector,
		logger:    logger,
		config:    config,
	}
}

// Start はcronジョブを登録して実行を開始する。
// 起動時に孤児作業ディレクトリの掃除を1回実行する。
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc(s.config.RefreshSchedule, func() {
		if err := s.RunTokenSweep(ctx); err != nil {
			s.logger.Error("トークンリフレッシュスイープに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}); err != nil {
		return fmt.Errorf("リフレッシュスイープの登録に失敗: %w", err)
	}

	if _, err := c.AddFunc(s.config.StateSchedule, func() {
		if err := s.RunStateSweep(ctx); err != nil {
			s.logger.Error("OAuth stateの掃除に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}); err != nil {
		return fmt.Errorf("state掃除の登録に失敗: %w", err)
	}

	c.Start()
	s.cron = c

	s.logger.Info("スイープスケジューラを開始しました",
		slog.String("refresh_schedule", s.config.RefreshSchedule),
		slog.String("state_schedule", s.config.StateSchedule),
	)

	// 中断された変換の作業ディレクトリは起動時に1回だけ回収する
	go func() {
		if err := s.orphans.SweepOrphans(ctx); err != nil {
			s.logger.Error("孤児作業ディレクトリの掃除に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}()

	return nil
}

// Stop はcronジョブを停止し、実行中のジョブの完了を待つ。
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("スイープスケジューラを停止しました")
	}
}

// RunTokenSweep はトークンリフレッシュスイープを1回実行する。
func (s *Sweeper) RunTokenSweep(ctx context.Context) error {
	start := time.Now()

	result, err := s.tokens.RefreshSweep(ctx)
	if err != nil {
		return err
	}

	for i := 0; i < result.Refreshed; i++ {
		s.collector.RecordTokenRefreshSuccess()
	}
	for i := 0; i < result.Failed; i++ {
		s.collector.RecordTokenRefreshFailure()
	}

	s.logger.Info("トークンリフレッシュスイープが完了しました",
		slog.Int("scanned", result.Scanned),
		slog.Int("refreshed", result.Refreshed),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// RunStateSweep は期限切れOAuth stateレコードを削除する。
func (s *Sweeper) RunStateSweep(ctx context.Context) error {
	deleted, err := s.states.DeleteExpired(ctx, time.Now())
	if err != nil {
		return err
	}

	s.logger.Info("期限切れOAuth stateを削除しました",
		slog.Int("deleted_count", deleted),
	)
	return nil
}
