package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/token"
)

type stubTokenSweeper struct {
	mu     sync.Mutex
	calls  int
	result token.SweepResult
	err    error
}

func (s *stubTokenSweeper) RefreshSweep(context.Context) (token.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

type stubStateRepo struct {
	mu      sync.Mutex
	deleted int
	err     error
	calls   int
}

func (s *stubStateRepo) Create(context.Context, *model.OAuthState) error {
	return nil
}

func (s *stubStateRepo) Consume(context.Context, string) (*model.OAuthState, error) {
	return nil, nil
}

func (s *stubStateRepo) DeleteExpired(context.Context, time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.deleted, s.err
}

type stubOrphanSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *stubOrphanSweeper) SweepOrphans(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

func (s *stubOrphanSweeper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestSweeper(tokens *stubTokenSweeper, states *stubStateRepo, orphans *stubOrphanSweeper) *Sweeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSweeper(tokens, states, orphans, nil, logger, Config{})
}

func TestRunTokenSweep(t *testing.T) {
	tokens := &stubTokenSweeper{result: token.SweepResult{Scanned: 3, Refreshed: 2, Failed: 1}}
	s := newTestSweeper(tokens, &stubStateRepo{}, &stubOrphanSweeper{})

	if err := s.RunTokenSweep(context.Background()); err != nil {
		t.Fatalf("RunTokenSweep() error = %v", err)
	}
	if tokens.calls != 1 {
		t.Errorf("RefreshSweep calls = %d, want 1", tokens.calls)
	}
}

func TestRunTokenSweep_PropagatesError(t *testing.T) {
	tokens := &stubTokenSweeper{err: errors.New("db down")}
	s := newTestSweeper(tokens, &stubStateRepo{}, &stubOrphanSweeper{})

	if err := s.RunTokenSweep(context.Background()); err == nil {
		t.Fatal("RunTokenSweep() should propagate the sweep error")
	}
}

func TestRunStateSweep(t *testing.T) {
	states := &stubStateRepo{deleted: 5}
	s := newTestSweeper(&stubTokenSweeper{}, states, &stubOrphanSweeper{})

	if err := s.RunStateSweep(context.Background()); err != nil {
		t.Fatalf("RunStateSweep() error = %v", err)
	}
	if states.calls != 1 {
		t.Errorf("DeleteExpired calls = %d, want 1", states.calls)
	}
}

func TestStart_RunsOrphanSweepOnStartup(t *testing.T) {
	orphans := &stubOrphanSweeper{}
	s := newTestSweeper(&stubTokenSweeper{}, &stubStateRepo{}, orphans)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for orphans.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("orphan sweep should run once on startup")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStart_InvalidScheduleFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSweeper(&stubTokenSweeper{}, &stubStateRepo{}, &stubOrphanSweeper{}, nil, logger,
		Config{RefreshSchedule: "not a schedule"})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail with an invalid cron expression")
	}
}
