package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/security"
)

// stubJobRepo はmutexで保護されたインメモリのConversionJobRepository。
type stubJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.ConversionJob
	seq  int
}

func newStubJobRepo() *stubJobRepo {
	return &stubJobRepo{jobs: make(map[string]*model.ConversionJob)}
}

func (r *stubJobRepo) FindByPostID(ctx context.Context, postID string) (*model.ConversionJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.PostID == postID {
			copied := *job
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *stubJobRepo) Create(ctx context.Context, job *model.ConversionJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", r.seq)
	}
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *stubJobRepo) MarkRunning(ctx context.Context, id, workDir string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.State != model.ConversionStatePending {
		return false, nil
	}
	job.State = model.ConversionStateRunning
	job.WorkDir = workDir
	return true, nil
}

func (r *stubJobRepo) MarkReady(ctx context.Context, id, outputPath string) error {
	// 実リポジトリ同様、失効したctxでの書き込みは拒否する
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.State = model.ConversionStateReady
		job.OutputPath = outputPath
		job.WorkDir = ""
	}
	return nil
}

func (r *stubJobRepo) MarkFailed(ctx context.Context, id, errorDetail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.State = model.ConversionStateFailed
		job.ErrorDetail = errorDetail
		job.WorkDir = ""
	}
	return nil
}

func (r *stubJobRepo) ListOrphanWorkDirs(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dirs := make(map[string]string)
	for id, job := range r.jobs {
		if job.WorkDir != "" && job.State != model.ConversionStateReady && job.State != model.ConversionStateFailed {
			dirs[id] = job.WorkDir
		}
	}
	return dirs, nil
}

func (r *stubJobRepo) ClearWorkDir(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.WorkDir = ""
		if job.State == model.ConversionStateRunning {
			job.State = model.ConversionStatePending
		}
	}
	return nil
}

// fakeEncoder はffmpegを呼ばずに出力ファイルを生成するEncoder。
type fakeEncoder struct {
	mu       sync.Mutex
	requests []EncodeRequest
	fail     bool
}

func (e *fakeEncoder) EncodeSlideshow(ctx context.Context, req EncodeRequest) error {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()
	if e.fail {
		return &EncoderError{Diagnostic: "frame size mismatch", Err: fmt.Errorf("exit status 1")}
	}
	return os.WriteFile(req.OutputPath, []byte("fake-mp4"), 0o644)
}

// writeTestImage はテスト用の小さなPNGを書き出す。
func writeTestImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestPipeline(t *testing.T, jobs *stubJobRepo, encoder Encoder) *Pipeline {
	t.Helper()
	fetcher := NewFetcher(security.NewSSRFGuard(), 10*time.Second, MaxImageSizeBytes)
	return NewPipeline(jobs, fetcher, encoder, nil, nil, PipelineConfig{
		WorkRoot:        t.TempDir(),
		ImageDurationMS: 4000,
		ConvertTimeout:  time.Minute,
	})
}

func slideshowPost(t *testing.T, id string, imageCount int) *model.ScheduledPost {
	t.Helper()
	srcDir := t.TempDir()
	var items []model.MediaItem
	for i := 0; i < imageCount; i++ {
		path := writeTestImage(t, srcDir, fmt.Sprintf("photo_%d.png", i), 600, 400)
		items = append(items, model.MediaItem{
			Ref:        path,
			Kind:       model.MediaKindImage,
			DurationMS: 3000,
		})
	}
	return &model.ScheduledPost{
		ID:    id,
		Media: model.MediaSet{Items: items},
	}
}

// 動画ネイティブな投稿は変換せず参照をそのまま返すことを検証
func TestPipeline_EnsureReady_VideoPassthrough(t *testing.T) {
	jobs := newStubJobRepo()
	pipeline := newTestPipeline(t, jobs, &fakeEncoder{})

	post := &model.ScheduledPost{
		ID: "post-1",
		Media: model.MediaSet{Items: []model.MediaItem{
			{Ref: "/assets/clip.mp4", Kind: model.MediaKindVideo},
		}},
	}

	path, ready, err := pipeline.EnsureReady(context.Background(), post)
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if !ready || path != "/assets/clip.mp4" {
		t.Errorf("got (%q, %v), want passthrough", path, ready)
	}
	if len(jobs.jobs) != 0 {
		t.Error("video post should not create a conversion job")
	}
}

// 画像セットの変換が成功してreadyになることを検証
func TestPipeline_EnsureReady_ConvertsSlideshow(t *testing.T) {
	jobs := newStubJobRepo()
	encoder := &fakeEncoder{}
	pipeline := newTestPipeline(t, jobs, encoder)
	post := slideshowPost(t, "post-1", 3)

	path, ready, err := pipeline.EnsureReady(context.Background(), post)
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if !ready {
		t.Fatal("expected ready")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("output file missing: %v", err)
	}

	if len(encoder.requests) != 1 {
		t.Fatalf("encoder called %d times, want 1", len(encoder.requests))
	}
	req := encoder.requests[0]
	if len(req.ImagePaths) != 3 {
		t.Errorf("encoded %d images, want 3", len(req.ImagePaths))
	}
	for _, d := range req.Durations {
		if d != 3.0 {
			t.Errorf("duration = %v, want 3.0", d)
		}
	}

	job, _ := jobs.FindByPostID(context.Background(), "post-1")
	if job.State != model.ConversionStateReady {
		t.Errorf("job state = %q, want ready", job.State)
	}
	if job.OutputPath != path {
		t.Errorf("job output = %q, want %q", job.OutputPath, path)
	}
}

// 同一投稿への2回目の呼び出しが再変換せず同じ出力を返すことを検証
func TestPipeline_EnsureReady_Deterministic(t *testing.T) {
	jobs := newStubJobRepo()
	encoder := &fakeEncoder{}
	pipeline := newTestPipeline(t, jobs, encoder)
	post := slideshowPost(t, "post-1", 2)
	ctx := context.Background()

	first, _, err := pipeline.EnsureReady(ctx, post)
	if err != nil {
		t.Fatal(err)
	}
	second, ready, err := pipeline.EnsureReady(ctx, post)
	if err != nil {
		t.Fatal(err)
	}
	if !ready || second != first {
		t.Errorf("second call = (%q, %v), want cached (%q, true)", second, ready, first)
	}
	if len(encoder.requests) != 1 {
		t.Errorf("encoder called %d times, want 1", len(encoder.requests))
	}
}

// 変換失敗がfailed状態で記録され、診断出力が保存されることを検証
func TestPipeline_EnsureReady_FailureRecorded(t *testing.T) {
	jobs := newStubJobRepo()
	pipeline := newTestPipeline(t, jobs, &fakeEncoder{fail: true})
	post := slideshowPost(t, "post-1", 2)
	ctx := context.Background()

	_, _, err := pipeline.EnsureReady(ctx, post)
	if !model.IsCode(err, model.ErrCodeConversionFailed) {
		t.Fatalf("got %v, want CONVERSION_FAILED", err)
	}

	job, _ := jobs.FindByPostID(ctx, "post-1")
	if job.State != model.ConversionStateFailed {
		t.Fatalf("job state = %q, want failed", job.State)
	}
	if !strings.Contains(job.ErrorDetail, "frame size mismatch") {
		t.Errorf("diagnostic not recorded: %q", job.ErrorDetail)
	}

	// failedは終端: 再呼び出しでも再変換しない
	_, _, err = pipeline.EnsureReady(ctx, post)
	if !model.IsCode(err, model.ErrCodeConversionFailed) {
		t.Errorf("failed job should stay failed, got %v", err)
	}
}

// 作業ディレクトリが成功・失敗どちらでも削除されることを検証
func TestPipeline_EnsureReady_WorkDirCleanup(t *testing.T) {
	for _, fail := range []bool{false, true} {
		name := "success"
		if fail {
			name = "failure"
		}
		t.Run(name, func(t *testing.T) {
			jobs := newStubJobRepo()
			pipeline := newTestPipeline(t, jobs, &fakeEncoder{fail: fail})
			post := slideshowPost(t, "post-1", 2)

			_, _, _ = pipeline.EnsureReady(context.Background(), post)

			jobsDir := filepath.Join(pipeline.config.WorkRoot, "jobs")
			entries, err := os.ReadDir(jobsDir)
			if err == nil && len(entries) > 0 {
				t.Errorf("work dirs left behind: %v", entries)
			}
		})
	}
}

// running中のジョブには手を出さずready=falseを返すことを検証
func TestPipeline_EnsureReady_RunningElsewhere(t *testing.T) {
	jobs := newStubJobRepo()
	encoder := &fakeEncoder{}
	pipeline := newTestPipeline(t, jobs, encoder)
	post := slideshowPost(t, "post-1", 2)
	ctx := context.Background()

	job := &model.ConversionJob{PostID: "post-1", Media: post.Media, State: model.ConversionStatePending}
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := jobs.MarkRunning(ctx, job.ID, "/elsewhere"); err != nil {
		t.Fatal(err)
	}

	path, ready, err := pipeline.EnsureReady(ctx, post)
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if ready || path != "" {
		t.Errorf("got (%q, %v), want not ready", path, ready)
	}
	if len(encoder.requests) != 0 {
		t.Error("encoder should not run while another worker holds the job")
	}
}

// blockingEncoder はctxのキャンセルまで返らないEncoder。
type blockingEncoder struct{}

func (blockingEncoder) EncodeSlideshow(ctx context.Context, req EncodeRequest) error {
	<-ctx.Done()
	return fmt.Errorf("ffmpeg killed: %w", ctx.Err())
}

// 変換タイムアウト後もジョブがfailedとして永続化されることを検証。
// タイムアウトで失効したctxのまま記録するとrunningのまま取り残される。
func TestPipeline_EnsureReady_TimeoutMarksFailed(t *testing.T) {
	jobs := newStubJobRepo()
	fetcher := NewFetcher(security.NewSSRFGuard(), 10*time.Second, MaxImageSizeBytes)
	pipeline := NewPipeline(jobs, fetcher, blockingEncoder{}, nil, nil, PipelineConfig{
		WorkRoot:        t.TempDir(),
		ImageDurationMS: 4000,
		ConvertTimeout:  50 * time.Millisecond,
	})
	post := slideshowPost(t, "post-1", 2)
	ctx := context.Background()

	_, _, err := pipeline.EnsureReady(ctx, post)
	if !model.IsCode(err, model.ErrCodeConversionFailed) {
		t.Fatalf("got %v, want CONVERSION_FAILED", err)
	}

	job, _ := jobs.FindByPostID(ctx, "post-1")
	if job.State != model.ConversionStateFailed {
		t.Fatalf("job state = %q, want failed after timeout", job.State)
	}
	if job.ErrorDetail == "" {
		t.Error("timeout diagnostic should be recorded")
	}
}

// 不正なメディアセットがジョブ作成前に弾かれることを検証
func TestPipeline_EnsureReady_RejectsInvalidSet(t *testing.T) {
	jobs := newStubJobRepo()
	encoder := &fakeEncoder{}
	pipeline := newTestPipeline(t, jobs, encoder)
	post := slideshowPost(t, "post-1", 1)

	_, ready, err := pipeline.EnsureReady(context.Background(), post)
	if !model.IsCode(err, model.ErrCodeInvalidMediaSet) {
		t.Fatalf("got %v, want INVALID_MEDIA_SET", err)
	}
	if ready {
		t.Error("invalid set should not be ready")
	}
	if len(jobs.jobs) != 0 {
		t.Error("invalid set should not create a conversion job")
	}
	if len(encoder.requests) != 0 {
		t.Error("invalid set should not reach the encoder")
	}
}

// 孤立作業ディレクトリの掃除がディレクトリ削除とpending復帰を行うことを検証
func TestPipeline_SweepOrphans(t *testing.T) {
	jobs := newStubJobRepo()
	pipeline := newTestPipeline(t, jobs, &fakeEncoder{})
	ctx := context.Background()

	orphanDir := filepath.Join(t.TempDir(), "orphan")
	if err := os.MkdirAll(orphanDir, 0o755); err != nil {
		t.Fatal(err)
	}
	job := &model.ConversionJob{PostID: "post-1", State: model.ConversionStatePending}
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := jobs.MarkRunning(ctx, job.ID, orphanDir); err != nil {
		t.Fatal(err)
	}

	if err := pipeline.SweepOrphans(ctx); err != nil {
		t.Fatalf("SweepOrphans failed: %v", err)
	}

	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Error("orphan dir should be removed")
	}
	swept, _ := jobs.FindByPostID(ctx, "post-1")
	if swept.WorkDir != "" {
		t.Error("work_dir should be cleared")
	}
	if swept.State != model.ConversionStatePending {
		t.Errorf("state = %q, want pending after sweep", swept.State)
	}
}
