package publish

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/publisher"
	"github.com/hitoshi/postdeck/internal/security"
)

// memPostRepo は状態遷移を条件付きで検証するインメモリのPostRepository。
type memPostRepo struct {
	mu      sync.Mutex
	posts   map[string]*model.ScheduledPost
	targets map[string]*model.PostTarget
}

func newMemPostRepo() *memPostRepo {
	return &memPostRepo{
		posts:   make(map[string]*model.ScheduledPost),
		targets: make(map[string]*model.PostTarget),
	}
}

func targetKey(postID, accountID string) string {
	return postID + "/" + accountID
}

func (r *memPostRepo) addPost(post *model.ScheduledPost, target *model.PostTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts[post.ID] = post
	r.targets[targetKey(target.PostID, target.AccountID)] = target
}

func (r *memPostRepo) target(t *testing.T, postID, accountID string) model.PostTarget {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[targetKey(postID, accountID)]
	if !ok {
		t.Fatalf("target %s/%s not found", postID, accountID)
	}
	return *target
}

func (r *memPostRepo) FindPost(_ context.Context, id string) (*model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	post, ok := r.posts[id]
	if !ok {
		return nil, nil
	}
	copied := *post
	return &copied, nil
}

func (r *memPostRepo) CreatePost(_ context.Context, post *model.ScheduledPost, accountIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts[post.ID] = post
	for _, accountID := range accountIDs {
		r.targets[targetKey(post.ID, accountID)] = &model.PostTarget{
			PostID:        post.ID,
			AccountID:     accountID,
			Status:        model.TargetStatusPending,
			ScheduledTime: post.ScheduledTime,
		}
	}
	return nil
}

func (r *memPostRepo) ListDueTargets(_ context.Context, now time.Time, limit int) ([]*model.PostTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*model.PostTarget
	for _, target := range r.targets {
		switch target.Status {
		case model.TargetStatusPending, model.TargetStatusQueued, model.TargetStatusConverting:
		default:
			continue
		}
		if target.ScheduledTime.After(now) {
			continue
		}
		if !target.NextAttemptAt.IsZero() && target.NextAttemptAt.After(now) {
			continue
		}
		copied := *target
		due = append(due, &copied)
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (r *memPostRepo) transition(postID, accountID string, from []model.TargetStatus, to model.TargetStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[targetKey(postID, accountID)]
	if !ok {
		return false
	}
	for _, status := range from {
		if target.Status == status {
			target.Status = to
			return true
		}
	}
	return false
}

func (r *memPostRepo) ClaimTarget(_ context.Context, postID, accountID string) (bool, error) {
	return r.transition(postID, accountID,
		[]model.TargetStatus{model.TargetStatusPending, model.TargetStatusQueued},
		model.TargetStatusPublishing), nil
}

func (r *memPostRepo) MarkConverting(_ context.Context, postID, accountID string) error {
	if !r.transition(postID, accountID,
		[]model.TargetStatus{model.TargetStatusPending, model.TargetStatusQueued},
		model.TargetStatusConverting) {
		return fmt.Errorf("invalid transition to converting: %s/%s", postID, accountID)
	}
	return nil
}

func (r *memPostRepo) MarkQueued(_ context.Context, postID, accountID string, nextAttemptAt time.Time) error {
	if !r.transition(postID, accountID,
		[]model.TargetStatus{model.TargetStatusConverting, model.TargetStatusPublishing},
		model.TargetStatusQueued) {
		return fmt.Errorf("invalid transition to queued: %s/%s", postID, accountID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[targetKey(postID, accountID)].NextAttemptAt = nextAttemptAt
	return nil
}

func (r *memPostRepo) MarkPublished(_ context.Context, postID, accountID string, publishedAt time.Time) error {
	if !r.transition(postID, accountID,
		[]model.TargetStatus{model.TargetStatusPublishing},
		model.TargetStatusPublished) {
		return fmt.Errorf("invalid transition to published: %s/%s", postID, accountID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[targetKey(postID, accountID)].PublishedAt = publishedAt
	return nil
}

func (r *memPostRepo) MarkFailed(_ context.Context, postID, accountID string, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[targetKey(postID, accountID)]
	if !ok {
		return fmt.Errorf("target not found: %s/%s", postID, accountID)
	}
	target.Status = model.TargetStatusFailed
	target.LastError = lastError
	return nil
}

func (r *memPostRepo) RecordRetry(_ context.Context, postID, accountID string, nextAttemptAt time.Time) error {
	if !r.transition(postID, accountID,
		[]model.TargetStatus{model.TargetStatusPublishing},
		model.TargetStatusQueued) {
		return fmt.Errorf("invalid retry transition: %s/%s", postID, accountID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.targets[targetKey(postID, accountID)]
	target.RetryCount++
	target.NextAttemptAt = nextAttemptAt
	return nil
}

func (r *memPostRepo) CancelTarget(_ context.Context, postID, accountID string) (bool, error) {
	return r.transition(postID, accountID,
		[]model.TargetStatus{model.TargetStatusPending, model.TargetStatusQueued, model.TargetStatusConverting},
		model.TargetStatusCancelled), nil
}

func (r *memPostRepo) FindTarget(_ context.Context, postID, accountID string) (*model.PostTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[targetKey(postID, accountID)]
	if !ok {
		return nil, nil
	}
	copied := *target
	return &copied, nil
}

// schedAccountRepo はUpdateStatusのみ記録するスタブ。
type schedAccountRepo struct {
	mu       sync.Mutex
	statuses map[string]model.AccountStatus
}

func newSchedAccountRepo() *schedAccountRepo {
	return &schedAccountRepo{statuses: make(map[string]model.AccountStatus)}
}

func (r *schedAccountRepo) FindByID(context.Context, string) (*model.Account, error) {
	return nil, nil
}

func (r *schedAccountRepo) FindByPlatformUserID(context.Context, string) (*model.Account, error) {
	return nil, nil
}

func (r *schedAccountRepo) ListByUserID(context.Context, string) ([]*model.Account, error) {
	return nil, nil
}

func (r *schedAccountRepo) Upsert(context.Context, *model.Account) (bool, error) {
	return false, nil
}

func (r *schedAccountRepo) UpdateTokens(context.Context, *model.Account) error {
	return nil
}

func (r *schedAccountRepo) UpdateStatus(_ context.Context, id string, status model.AccountStatus, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = status
	return nil
}

func (r *schedAccountRepo) ListNeedingRefresh(context.Context, time.Time) ([]*model.Account, error) {
	return nil, nil
}

// memAttemptRepo は追記のみのインメモリPublishAttemptRepository。
type memAttemptRepo struct {
	mu       sync.Mutex
	attempts []*model.PublishAttempt
}

func (r *memAttemptRepo) Append(_ context.Context, attempt *model.PublishAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *attempt
	r.attempts = append(r.attempts, &copied)
	return nil
}

func (r *memAttemptRepo) ListByTarget(_ context.Context, postID, accountID string) ([]*model.PublishAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.PublishAttempt
	for i := len(r.attempts) - 1; i >= 0; i-- {
		if r.attempts[i].PostID == postID && r.attempts[i].AccountID == accountID {
			result = append(result, r.attempts[i])
		}
	}
	return result, nil
}

func (r *memAttemptRepo) all() []*model.PublishAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.PublishAttempt(nil), r.attempts...)
}

type stubTokenSource struct {
	getValidTokenFunc func(ctx context.Context, accountID string) (string, error)
}

func (s *stubTokenSource) GetValidToken(ctx context.Context, accountID string) (string, error) {
	if s.getValidTokenFunc != nil {
		return s.getValidTokenFunc(ctx, accountID)
	}
	return "token-" + accountID, nil
}

type stubArtifactSource struct {
	ensureReadyFunc func(ctx context.Context, post *model.ScheduledPost) (string, bool, error)
	calls           int
	mu              sync.Mutex
}

func (s *stubArtifactSource) EnsureReady(ctx context.Context, post *model.ScheduledPost) (string, bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.ensureReadyFunc != nil {
		return s.ensureReadyFunc(ctx, post)
	}
	return "/tmp/out/" + post.ID + ".mp4", true, nil
}

type stubPublisher struct {
	mu          sync.Mutex
	requests    []publisher.PublishRequest
	publishFunc func(ctx context.Context, req publisher.PublishRequest) (*publisher.PublishResult, error)
}

func (s *stubPublisher) Publish(ctx context.Context, req publisher.PublishRequest) (*publisher.PublishResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.publishFunc != nil {
		return s.publishFunc(ctx, req)
	}
	return &publisher.PublishResult{PlatformPostID: "platform-post-1", HTTPStatus: 200}, nil
}

func (s *stubPublisher) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type schedulerFixture struct {
	scheduler *Scheduler
	posts     *memPostRepo
	accounts  *schedAccountRepo
	attempts  *memAttemptRepo
	tokens    *stubTokenSource
	artifacts *stubArtifactSource
	pub       *stubPublisher
}

func newSchedulerFixture(config SchedulerConfig) *schedulerFixture {
	f := &schedulerFixture{
		posts:     newMemPostRepo(),
		accounts:  newSchedAccountRepo(),
		attempts:  &memAttemptRepo{},
		tokens:    &stubTokenSource{},
		artifacts: &stubArtifactSource{},
		pub:       &stubPublisher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.scheduler = NewScheduler(
		f.posts, f.accounts, f.attempts,
		f.tokens, f.artifacts, f.pub,
		security.NewCaptionSanitizer(), nil, logger, config,
	)
	return f
}

func videoPost(id string) *model.ScheduledPost {
	return &model.ScheduledPost{
		ID:          id,
		UserID:      "user-1",
		Title:       "テスト投稿",
		Description: "新作できました",
		Hashtags:    []string{"art", "#painting"},
		Privacy:     model.PrivacyPublic,
		Media: model.MediaSet{
			Items: []model.MediaItem{{Ref: "/tmp/video.mp4", Kind: model.MediaKindVideo}},
		},
		ScheduledTime: time.Now().Add(-time.Minute),
	}
}

func slideshowPost(id string) *model.ScheduledPost {
	post := videoPost(id)
	post.Media = model.MediaSet{
		Items: []model.MediaItem{
			{Ref: "/tmp/a.jpg", Kind: model.MediaKindImage},
			{Ref: "/tmp/b.jpg", Kind: model.MediaKindImage},
		},
	}
	return post
}

func dueTarget(postID, accountID string, status model.TargetStatus) *model.PostTarget {
	return &model.PostTarget{
		PostID:        postID,
		AccountID:     accountID,
		Status:        status,
		ScheduledTime: time.Now().Add(-time.Minute),
	}
}

func TestScheduler_RunOnce_PublishesDueVideoTarget(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.posts.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	target := f.posts.target(t, "post-1", "acc-1")
	if target.Status != model.TargetStatusPublished {
		t.Errorf("target status = %s, want published", target.Status)
	}
	if target.PublishedAt.IsZero() {
		t.Error("PublishedAt should be set")
	}

	if f.pub.requestCount() != 1 {
		t.Fatalf("publish count = %d, want 1", f.pub.requestCount())
	}
	req := f.pub.requests[0]
	if req.AccessToken != "token-acc-1" {
		t.Errorf("access token = %q, want token-acc-1", req.AccessToken)
	}
	if req.VideoPath != "/tmp/video.mp4" {
		t.Errorf("video path = %q, want /tmp/video.mp4", req.VideoPath)
	}
	if req.Caption != "新作できました #art #painting" {
		t.Errorf("caption = %q", req.Caption)
	}
	if req.IdempotencyKey != publisher.IdempotencyKey("post-1", "acc-1") {
		t.Error("idempotency key should be deterministic for the pair")
	}

	attempts := f.attempts.all()
	if len(attempts) != 1 {
		t.Fatalf("attempt count = %d, want 1", len(attempts))
	}
	if attempts[0].Outcome != model.AttemptOutcomeSuccess {
		t.Errorf("attempt outcome = %s, want success", attempts[0].Outcome)
	}
	if attempts[0].PlatformPostID != "platform-post-1" {
		t.Errorf("platform post id = %q", attempts[0].PlatformPostID)
	}
}

func TestScheduler_RunOnce_ConvertsSlideshowBeforePublish(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.posts.addPost(slideshowPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusPending))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	target := f.posts.target(t, "post-1", "acc-1")
	if target.Status != model.TargetStatusPublished {
		t.Errorf("target status = %s, want published", target.Status)
	}
	if f.artifacts.calls != 1 {
		t.Errorf("EnsureReady calls = %d, want 1", f.artifacts.calls)
	}
	if f.pub.requestCount() != 1 {
		t.Fatalf("publish count = %d, want 1", f.pub.requestCount())
	}
	if got := f.pub.requests[0].VideoPath; got != "/tmp/out/post-1.mp4" {
		t.Errorf("video path = %q, want converted artifact", got)
	}
}

func TestScheduler_ConversionNotReady_LeavesTargetForNextCycle(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.artifacts.ensureReadyFunc = func(context.Context, *model.ScheduledPost) (string, bool, error) {
		return "", false, nil
	}
	f.posts.addPost(slideshowPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusPending))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	target := f.posts.target(t, "post-1", "acc-1")
	if target.Status != model.TargetStatusConverting {
		t.Errorf("target status = %s, want converting", target.Status)
	}
	if f.pub.requestCount() != 0 {
		t.Errorf("publish should not be called while converting")
	}
}

func TestScheduler_ConversionFailure_MarksTargetFailed(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.artifacts.ensureReadyFunc = func(context.Context, *model.ScheduledPost) (string, bool, error) {
		return "", false, model.NewConversionFailedError("ffmpeg exit status 1")
	}
	f.posts.addPost(slideshowPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusPending))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	target := f.posts.target(t, "post-1", "acc-1")
	if target.Status != model.TargetStatusFailed {
		t.Errorf("target status = %s, want failed", target.Status)
	}
	if target.LastError == "" {
		t.Error("LastError should record the conversion diagnostic")
	}
	if f.pub.requestCount() != 0 {
		t.Errorf("publish should not be called after conversion failure")
	}
}

func TestScheduler_RateLimited_RequeuesWithoutRetryBudget(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.pub.publishFunc = func(context.Context, publisher.PublishRequest) (*publisher.PublishResult, error) {
		return nil, model.NewRateLimitedError(30 * time.Second)
	}
	f.posts.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	before := time.Now()
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	target := f.posts.target(t, "post-1", "acc-1")
	if target.Status != model.TargetStatusQueued {
		t.Errorf("target status = %s, want queued", target.Status)
	}
	if target.RetryCount != 0 {
		t.Errorf("retry count = %d, rate limit must not consume the budget", target.RetryCount)
	}
	if target.NextAttemptAt.Before(before.Add(29 * time.Second)) {
		t.Errorf("next attempt %v should honor retry-after", target.NextAttemptAt)
	}

	attempts := f.attempts.all()
	if len(attempts) != 1 || attempts[0].Outcome != model.AttemptOutcomeRateLimited {
		t.Fatalf("want a single rate_limited attempt, got %+v", attempts)
	}
}

func TestScheduler_Transient_SchedulesRetryWithBackoff(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{BackoffBase: time.Second, BackoffCap: 10 * time.Minute})
	f.pub.publishFunc = func(context.Context, publisher.PublishRequest) (*publisher.PublishResult, error) {
		return nil, model.NewPublishTransientError(503, "service unavailable")
	}
	f.posts.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	target := f.posts.target(t, "post-1", "acc-1")
	if target.Status != model.TargetStatusQueued {
		t.Errorf("target status = %s, want queued for retry", target.Status)
	}
	if target.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", target.RetryCount)
	}
	if time.Until(target.NextAttemptAt) <= 0 {
		t.Error("next attempt should be in the future")
	}
}

func TestScheduler_Transient_FailsWhenBudgetExhausted(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{MaxAttempts: 3})
	f.pub.publishFunc = func(context.Context, publisher.PublishRequest) (*publisher.PublishResult, error) {
		return nil, model.NewPublishTransientError(503, "service unavailable")
	}
	target := dueTarget("post-1", "acc-1", model.TargetStatusQueued)
	target.RetryCount = 2
	f.posts.addPost(videoPost("post-1"), target)

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	got := f.posts.target(t, "post-1", "acc-1")
	if got.Status != model.TargetStatusFailed {
		t.Errorf("target status = %s, want failed after exhausting retries", got.Status)
	}
	if got.LastError == "" {
		t.Error("LastError should carry the final failure")
	}
}

func TestScheduler_Permanent_FailsImmediately(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.pub.publishFunc = func(context.Context, publisher.PublishRequest) (*publisher.PublishResult, error) {
		return nil, model.NewPublishPermanentError(400, "caption rejected")
	}
	f.posts.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	got := f.posts.target(t, "post-1", "acc-1")
	if got.Status != model.TargetStatusFailed {
		t.Errorf("target status = %s, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("permanent failure should not schedule retries, retry count = %d", got.RetryCount)
	}

	attempts := f.attempts.all()
	if len(attempts) != 1 || attempts[0].Outcome != model.AttemptOutcomePermanent {
		t.Fatalf("want a single permanent attempt, got %+v", attempts)
	}
}

func TestScheduler_AccountRevoked_MarksAccountAndTarget(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.pub.publishFunc = func(context.Context, publisher.PublishRequest) (*publisher.PublishResult, error) {
		return nil, model.NewAccountRevokedError("acc-1")
	}
	f.posts.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	got := f.posts.target(t, "post-1", "acc-1")
	if got.Status != model.TargetStatusFailed {
		t.Errorf("target status = %s, want failed", got.Status)
	}
	if f.accounts.statuses["acc-1"] != model.AccountStatusRevoked {
		t.Errorf("account status = %s, want revoked", f.accounts.statuses["acc-1"])
	}
}

func TestScheduler_TokenRevoked_NoPublishCall(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.tokens.getValidTokenFunc = func(context.Context, string) (string, error) {
		return "", model.NewAccountRevokedError("acc-1")
	}
	f.posts.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if f.pub.requestCount() != 0 {
		t.Error("publish should not be called without a valid token")
	}
	got := f.posts.target(t, "post-1", "acc-1")
	if got.Status != model.TargetStatusFailed {
		t.Errorf("target status = %s, want failed", got.Status)
	}
	if f.accounts.statuses["acc-1"] != model.AccountStatusRevoked {
		t.Errorf("account status = %s, want revoked", f.accounts.statuses["acc-1"])
	}
}

func TestScheduler_PublishedTarget_NotListedAgain(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.posts.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() second cycle error = %v", err)
	}

	if f.pub.requestCount() != 1 {
		t.Errorf("publish count = %d, published targets must not be republished", f.pub.requestCount())
	}
}

func TestScheduler_FutureTarget_NotPicked(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	target := dueTarget("post-1", "acc-1", model.TargetStatusQueued)
	target.ScheduledTime = time.Now().Add(time.Hour)
	f.posts.addPost(videoPost("post-1"), target)

	if err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if f.pub.requestCount() != 0 {
		t.Error("future targets must not be published early")
	}
	got := f.posts.target(t, "post-1", "acc-1")
	if got.Status != model.TargetStatusQueued {
		t.Errorf("target status = %s, want queued", got.Status)
	}
}

// 同一ターゲットへの並行クレームで勝者が1つだけになることを検証
func TestClaimTarget_ConcurrentSingleWinner(t *testing.T) {
	repo := newMemPostRepo()
	repo.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	const racers = 8
	var wg sync.WaitGroup
	wins := make([]bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := repo.ClaimTarget(context.Background(), "post-1", "acc-1")
			if err != nil {
				t.Errorf("ClaimTarget失敗: %v", err)
				return
			}
			wins[i] = won
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}

	target := repo.target(t, "post-1", "acc-1")
	if target.Status != model.TargetStatusPublishing {
		t.Errorf("target status = %s, want publishing", target.Status)
	}

	// クレーム済みターゲットへの追クレームは常に失敗する
	if won, _ := repo.ClaimTarget(context.Background(), "post-1", "acc-1"); won {
		t.Error("publishing中のターゲットを再クレームできてはならない")
	}
}

// 同じストアを共有する2つのスケジューラが同時に走っても
// 公開が1回だけ行われることを検証
func TestScheduler_ConcurrentInstances_PublishOnce(t *testing.T) {
	f := newSchedulerFixture(SchedulerConfig{})
	f.posts.addPost(videoPost("post-1"), dueTarget("post-1", "acc-1", model.TargetStatusQueued))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	second := NewScheduler(
		f.posts, f.accounts, f.attempts,
		f.tokens, f.artifacts, f.pub,
		security.NewCaptionSanitizer(), nil, logger, SchedulerConfig{},
	)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{f.scheduler, second} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			if err := s.RunOnce(context.Background()); err != nil {
				t.Errorf("RunOnce() error = %v", err)
			}
		}(s)
	}
	wg.Wait()

	if got := f.pub.requestCount(); got != 1 {
		t.Errorf("publish called %d times, want 1", got)
	}
	target := f.posts.target(t, "post-1", "acc-1")
	if target.Status != model.TargetStatusPublished {
		t.Errorf("target status = %s, want published", target.Status)
	}
	if got := len(f.attempts.all()); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}
