// Package refresher implements the Periodic Refresher: it rebuilds the
// Function Repository's Snapshot on a timer and swaps it in.
//
// It runs Start/Stop/loop over a time.Timer and a stopChan, with
// a (firstDelay, interval) pair measured end-to-start so a slow rebuild
// never overlaps the next tick, and a caller-supplied RebuildFunc
// instead of any one hardwired data source.
package refresher

import (
	"context"
	"time"

	"github.com/worklethost/auctionserver/internal/metrics"
	"github.com/worklethost/auctionserver/internal/repository"
	"github.com/worklethost/auctionserver/pkg/logger"
)

// RebuildFunc produces a brand-new Snapshot. It is expected to run the
// Source Fetcher and Script Engine construction pipeline and must not
// mutate any previously published Snapshot.
type RebuildFunc func(ctx context.Context) (*repository.Snapshot, error)

// Refresher drives RebuildFunc on a timer and publishes each result to
// a Repository.
type Refresher struct {
	repo       *repository.Repository
	rebuild    RebuildFunc
	firstDelay time.Duration
	interval   time.Duration
	stopChan   chan struct{}
	disabled   bool
	metrics    *metrics.Metrics
}

// WithMetrics attaches m so every successful rebuild publishes the new
// snapshot's generation. Optional: a Refresher with no metrics
// attached runs unmetered, which is what every existing test does.
func (r *Refresher) WithMetrics(m *metrics.Metrics) *Refresher {
	r.metrics = m
	return r
}

// New constructs a Refresher. Start runs one rebuild synchronously; the
// background loop then performs its first rebuild after firstDelay and
// repeats every interval, measured from the end of one rebuild to the
// start of the next so overlapping rebuilds never occur.
func New(repo *repository.Repository, rebuild RebuildFunc, firstDelay, interval time.Duration) *Refresher {
	return &Refresher{
		repo:       repo,
		rebuild:    rebuild,
		firstDelay: firstDelay,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

// NewTestRefresher returns a Refresher with its timer loop disabled;
// tests drive rebuilds deterministically via RunNow instead of racing
// a background goroutine.
func NewTestRefresher(repo *repository.Repository, rebuild RebuildFunc) *Refresher {
	r := New(repo, rebuild, 0, 0)
	r.disabled = true
	return r
}

// Start performs an initial synchronous rebuild, then launches the
// background refresh loop. It returns the initial rebuild's error, if
// any, so the caller can decide whether to start serving with an empty
// repository or fail fast.
func (r *Refresher) Start(ctx context.Context) error {
	err := r.runOnce(ctx)
	if err != nil {
		l := logger.Refresher()
		l.Warn().Err(err).Msg("initial function repository rebuild failed")
	}
	if !r.disabled {
		go r.loop(ctx)
	}
	return err
}

// Stop halts the background refresh loop.
func (r *Refresher) Stop() {
	close(r.stopChan)
}

// RunNow performs one synchronous rebuild, bypassing the timer
// entirely. It is the deterministic entry point tests use.
func (r *Refresher) RunNow(ctx context.Context) error {
	return r.runOnce(ctx)
}

func (r *Refresher) loop(ctx context.Context) {
	timer := time.NewTimer(r.firstDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := r.runOnce(ctx); err != nil {
				l := logger.Refresher()
				l.Warn().Err(err).Msg("function repository rebuild failed")
			}
			timer.Reset(r.interval)
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refresher) runOnce(ctx context.Context) error {
	snapshot, err := r.rebuild(ctx)
	if err != nil {
		return err
	}
	r.repo.Swap(snapshot)
	if r.metrics != nil {
		r.metrics.SetRepositoryGeneration(snapshot.Generation)
	}
	return nil
}
