// Package scheduler periodically feeds standard refresh operations into
// the queue, one independently configurable timer per sync type.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"erp-bridge/internal/clock"
)

// Enqueuer is the slice of the operation queue the scheduler needs.
// Scheduled work goes through the queue like any user request, so it is
// subject to the same priority order and session limits.
type Enqueuer interface {
	Enqueue(ctx context.Context, opType, ownerID string, payload map[string]any, idempotencyKey string) (string, error)
	HasPending(opType string) bool
}

// Status reports whether the scheduler runs and its per-type intervals.
type Status struct {
	Running   bool                     `json:"running"`
	Intervals map[string]time.Duration `json:"perTypeIntervals"`
}

// Scheduler drives the per-type tickers. Start and Stop are idempotent.
type Scheduler struct {
	queue     Enqueuer
	ownerID   string
	intervals map[string]time.Duration
	clk       clock.Clock
	log       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler enqueueing as the given service identity.
func New(queue Enqueuer, ownerID string, intervals map[string]time.Duration, clk clock.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue:     queue,
		ownerID:   ownerID,
		intervals: intervals,
		clk:       clk,
		log:       log,
	}
}

// Start launches one ticker goroutine per sync type.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for opType, interval := range s.intervals {
		if interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.tickLoop(ctx, opType, interval)
	}
	s.log.Info().Int("types", len(s.intervals)).Msg("auto-sync scheduler started")
}

// Stop halts all tickers and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info().Msg("auto-sync scheduler stopped")
}

// Status reports the running flag and configured intervals.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	intervals := make(map[string]time.Duration, len(s.intervals))
	for k, v := range s.intervals {
		intervals[k] = v
	}
	return Status{Running: s.cancel != nil, Intervals: intervals}
}

func (s *Scheduler) tickLoop(ctx context.Context, opType string, interval time.Duration) {
	defer s.wg.Done()
	ticker := s.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx, opType)
		}
	}
}

// tick enqueues one refresh unless one of the same type is already waiting
// or active; stacking refreshes behind a slow remote system only grows the
// backlog.
func (s *Scheduler) tick(ctx context.Context, opType string) {
	if s.queue.HasPending(opType) {
		s.log.Debug().Str("type", opType).Msg("skip tick, job already pending")
		return
	}
	jobID, err := s.queue.Enqueue(ctx, opType, s.ownerID, nil, "")
	if err != nil {
		s.log.Warn().Err(err).Str("type", opType).Msg("scheduled enqueue failed")
		return
	}
	s.log.Debug().Str("type", opType).Str("job", jobID).Msg("scheduled refresh enqueued")
}
