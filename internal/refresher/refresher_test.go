package refresher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/worklethost/auctionserver/internal/repository"
	"github.com/worklethost/auctionserver/internal/status"
)

func TestTestRefresherRunNowIsSynchronous(t *testing.T) {
	repo := repository.New()
	var calls int32
	rebuild := func(ctx context.Context) (*repository.Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		return &repository.Snapshot{Generation: uint64(atomic.LoadInt32(&calls))}, nil
	}

	r := NewTestRefresher(repo, rebuild)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected Start to run one synchronous rebuild, got %d calls", calls)
	}
	if repo.Current() == nil || repo.Current().Generation != 1 {
		t.Fatal("expected the initial rebuild's snapshot to be published")
	}

	if err := r.RunNow(context.Background()); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected RunNow to run exactly one more rebuild, got %d calls", calls)
	}
	if repo.Current().Generation != 2 {
		t.Fatal("expected RunNow's snapshot to be published before it returns")
	}
}

func TestFailedRebuildRetainsPreviousSnapshot(t *testing.T) {
	repo := repository.New()
	first := &repository.Snapshot{Generation: 1}
	calls := 0
	rebuild := func(ctx context.Context) (*repository.Snapshot, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return nil, status.New(status.Internal, "source fetcher unreachable")
	}

	r := NewTestRefresher(repo, rebuild)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := r.RunNow(context.Background()); err == nil {
		t.Fatal("expected the second rebuild to fail")
	}
	if repo.Current() != first {
		t.Fatal("a failed rebuild must retain the previous snapshot, not clear it")
	}
}

func TestLoopRespectsFirstDelayAndInterval(t *testing.T) {
	repo := repository.New()
	var calls int32
	rebuild := func(ctx context.Context) (*repository.Snapshot, error) {
		n := atomic.AddInt32(&calls, 1)
		return &repository.Snapshot{Generation: uint64(n)}, nil
	}

	r := New(repo, rebuild, 5*time.Millisecond, 20*time.Millisecond)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	// The initial synchronous rebuild runs inside Start, before any
	// timer-driven tick.
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one rebuild from Start, got %d", calls)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for atomic.LoadInt32(&calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatal("expected the timer loop to run at least one more rebuild")
	}
}

func TestStopIsResponsiveDuringInitialDelay(t *testing.T) {
	repo := repository.New()
	rebuild := func(ctx context.Context) (*repository.Snapshot, error) {
		return &repository.Snapshot{}, nil
	}

	// A long first delay must not block Stop: the pending sleep has to be
	// interruptible within one scheduling quantum.
	r := New(repo, rebuild, time.Hour, time.Hour)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly while a long initial delay was pending")
	}
}
