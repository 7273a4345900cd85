package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
	"github.com/hitoshi/postdeck/internal/security"
)

// PipelineConfig は変換パイプラインの設定。
type PipelineConfig struct {
	// WorkRoot は作業ディレクトリと出力を置くルートディレクトリ。
	WorkRoot string
	// ImageDurationMS は表示時間が未指定の画像に適用する既定値（ミリ秒）。
	ImageDurationMS int
	// ConvertTimeout は1回の変換に許可する最大時間。
	ConvertTimeout time.Duration
}

// MetricsRecorder は変換結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordConversionLatency(duration time.Duration)
	RecordConversionFailure()
}

// nopMetrics はメトリクス未設定時のMetricsRecorder実装。
type nopMetrics struct{}

func (nopMetrics) RecordConversionLatency(time.Duration) {}
func (nopMetrics) RecordConversionFailure()              {}

// Pipeline は画像メディアセットのスライドショー変換を管理する。
//
// 変換ジョブは投稿と1対1で、pending → running → ready/failed と遷移する。
// runningへの遷移は条件付きUPDATEで行われ、複数ワーカーが同時に
// 同じ投稿を変換することはない。
type Pipeline struct {
	jobs      repository.ConversionJobRepository
	fetcher   *Fetcher
	encoder   Encoder
	validator *Validator
	collector MetricsRecorder
	config    PipelineConfig
}

// NewPipeline はPipelineを生成する。validatorがnilの場合は既定の上限で
// 検証する。collectorはnil可。
func NewPipeline(jobs repository.ConversionJobRepository, fetcher *Fetcher, encoder Encoder, validator *Validator, collector MetricsRecorder, config PipelineConfig) *Pipeline {
	if config.ImageDurationMS <= 0 {
		config.ImageDurationMS = 4000
	}
	if config.ConvertTimeout <= 0 {
		config.ConvertTimeout = 5 * time.Minute
	}
	if validator == nil {
		validator = NewValidator(security.NewSSRFGuard(), ValidatorConfig{})
	}
	if collector == nil {
		collector = nopMetrics{}
	}
	return &Pipeline{
		jobs:      jobs,
		fetcher:   fetcher,
		encoder:   encoder,
		validator: validator,
		collector: collector,
		config:    config,
	}
}

// EnsureReady は投稿の公開に使う動画アーティファクトを返す。
//
// メディアセットはまず検証され、不正なセットはジョブを作らず
// INVALID_MEDIA_SETで弾かれる。
// 動画ネイティブな投稿は変換せずそのまま参照を返す。
// 画像セットの場合は変換ジョブの状態に応じて:
//   - ready: 既存の出力パスを返す
//   - failed: CONVERSION_FAILEDを返す（再試行しない）
//   - pending: この呼び出しで変換を実行する
//   - running: 別ワーカーが変換中のため ready=false を返す
func (p *Pipeline) EnsureReady(ctx context.Context, post *model.ScheduledPost) (string, bool, error) {
	if err := p.validator.ValidateSet(post.Media); err != nil {
		return "", false, err
	}

	if post.Media.IsVideo() {
		return post.Media.Items[0].Ref, true, nil
	}

	job, err := p.jobs.FindByPostID(ctx, post.ID)
	if err != nil {
		return "", false, err
	}
	if job == nil {
		job = &model.ConversionJob{
			PostID: post.ID,
			Media:  post.Media,
			State:  model.ConversionStatePending,
		}
		if err := p.jobs.Create(ctx, job); err != nil {
			return "", false, err
		}
	}

	switch job.State {
	case model.ConversionStateReady:
		return job.OutputPath, true, nil
	case model.ConversionStateFailed:
		return "", false, model.NewConversionFailedError(job.ErrorDetail)
	case model.ConversionStateRunning:
		return "", false, nil
	}

	workDir := filepath.Join(p.config.WorkRoot, "jobs", job.ID)
	won, err := p.jobs.MarkRunning(ctx, job.ID, workDir)
	if err != nil {
		return "", false, err
	}
	if !won {
		// 別ワーカーが先にクレームした
		return "", false, nil
	}

	outputPath, err := p.convert(ctx, job, workDir)
	if err != nil {
		return "", false, err
	}
	return outputPath, true, nil
}

// convert は変換を1回実行する。作業ディレクトリは結果にかかわらず削除される。
func (p *Pipeline) convert(ctx context.Context, job *model.ConversionJob, workDir string) (string, error) {
	start := time.Now()
	defer func() { p.collector.RecordConversionLatency(time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, p.config.ConvertTimeout)
	defer cancel()

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("failed to remove work dir",
				slog.String("job_id", job.ID),
				slog.String("work_dir", workDir),
			)
		}
	}()

	outputDir := filepath.Join(p.config.WorkRoot, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	// 同一投稿に対して決定的な出力パス
	outputPath := filepath.Join(outputDir, job.PostID+".mp4")

	imagePaths, durations, err := p.prepareImages(ctx, job, workDir)
	if err != nil {
		return "", p.fail(ctx, job, err)
	}

	err = p.encoder.EncodeSlideshow(ctx, EncodeRequest{
		ImagePaths: imagePaths,
		Durations:  durations,
		WorkDir:    workDir,
		OutputPath: outputPath,
	})
	if err != nil {
		return "", p.fail(ctx, job, err)
	}

	if err := p.jobs.MarkReady(ctx, job.ID, outputPath); err != nil {
		return "", err
	}
	slog.Info("slideshow conversion completed",
		slog.String("job_id", job.ID),
		slog.String("post_id", job.PostID),
		slog.Int("images", len(imagePaths)),
	)
	return outputPath, nil
}

// prepareImages は入力画像を取得してレターボックス処理する。
func (p *Pipeline) prepareImages(ctx context.Context, job *model.ConversionJob, workDir string) ([]string, []float64, error) {
	var imagePaths []string
	var durations []float64

	for i, item := range job.Media.Items {
		srcPath, err := p.fetcher.Fetch(ctx, item.Ref, workDir, fmt.Sprintf("src_%02d%s", i, filepath.Ext(refPath(item.Ref))))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch media[%d]: %w", i, err)
		}

		framePath := filepath.Join(workDir, fmt.Sprintf("frame_%02d.png", i))
		if err := LetterboxImage(srcPath, framePath); err != nil {
			return nil, nil, fmt.Errorf("failed to letterbox media[%d]: %w", i, err)
		}

		durationMS := item.DurationMS
		if durationMS <= 0 {
			durationMS = p.config.ImageDurationMS
		}
		imagePaths = append(imagePaths, framePath)
		durations = append(durations, float64(durationMS)/1000.0)
	}
	return imagePaths, durations, nil
}

// fail は変換失敗を記録してCONVERSION_FAILEDを返す。
// 診断出力は切り詰めて保存する。
func (p *Pipeline) fail(ctx context.Context, job *model.ConversionJob, cause error) error {
	detail := cause.Error()
	var encErr *EncoderError
	if errors.As(cause, &encErr) && encErr.Diagnostic != "" {
		detail = encErr.Diagnostic
	}
	detail = TruncateDiagnostic(detail)

	// タイムアウトで失効したctxのままでは永続化が拒否され、
	// ジョブがrunningのまま残るため、記録は失効の影響を受けないctxで行う
	persistCtx := context.WithoutCancel(ctx)

	p.collector.RecordConversionFailure()
	if err := p.jobs.MarkFailed(persistCtx, job.ID, detail); err != nil {
		slog.Error("failed to record conversion failure", slog.String("job_id", job.ID))
	}
	slog.Warn("slideshow conversion failed",
		slog.String("job_id", job.ID),
		slog.String("post_id", job.PostID),
	)
	return model.NewConversionFailedError(detail)
}

// SweepOrphans はクラッシュで残った作業ディレクトリを削除する。
// 起動時に1回呼び出す。runningのまま残ったジョブはpendingに戻り、
// 次のEnsureReadyで再変換される。
func (p *Pipeline) SweepOrphans(ctx context.Context) error {
	orphans, err := p.jobs.ListOrphanWorkDirs(ctx)
	if err != nil {
		return err
	}
	for jobID, workDir := range orphans {
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("failed to remove orphan work dir",
				slog.String("job_id", jobID),
				slog.String("work_dir", workDir),
			)
			continue
		}
		if err := p.jobs.ClearWorkDir(ctx, jobID); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		slog.Info("orphan work dirs swept", slog.Int("count", len(orphans)))
	}
	return nil
}
