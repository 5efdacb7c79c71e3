// Package scheduler runs the periodic maintenance sweep of the daemon.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSpec runs the sweep every five minutes.
const DefaultSpec = "*/5 * * * *"

// DefaultRetention is how long resolved requests are kept before purging.
const DefaultRetention = 7 * 24 * time.Hour

// Purger removes resolved requests older than a cutoff.
// Satisfied by store.Store.
type Purger interface {
	PurgeResolvedRequests(ctx context.Context, before time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

// Reaper expires waiting executions whose deadline passed without their
// timer firing. Satisfied by the host runtime (avoids import cycle).
type Reaper interface {
	ReapOverdue(ctx context.Context, now time.Time) (int, error)
}

// Result reports what one sweep did.
type Result struct {
	Purged int64
	Reaped int
}

// Config configures a Sweeper.
type Config struct {
	Spec      string
	Retention time.Duration
	Now       func() time.Time
}

// Sweeper runs purge and reap passes on a cron schedule.
type Sweeper struct {
	purger    Purger
	reaper    Reaper
	schedule  cron.Schedule
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	running atomic.Bool
}

// NewSweeper parses cfg.Spec and creates a Sweeper. Either collaborator may be nil.
func NewSweeper(purger Purger, reaper Reaper, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		purger:    purger,
		reaper:    reaper,
		schedule:  schedule,
		retention: retention,
		now:       now,
		logger:    logger,
	}, nil
}

// Next returns the first scheduled run after from.
func (s *Sweeper) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the background loop. It sweeps once immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)
	for {
		wait := s.Next(s.now()).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep runs one pass. Overlapping calls return a zero Result.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if !s.running.CompareAndSwap(false, true) {
		return res, nil
	}
	defer s.running.Store(false)

	now := s.now()
	if s.reaper != nil {
		n, err := s.reaper.ReapOverdue(ctx, now)
		if err != nil {
			return res, fmt.Errorf("reap overdue executions: %w", err)
		}
		res.Reaped = n
	}
	if s.purger != nil {
		n, err := s.purger.PurgeResolvedRequests(ctx, now.Add(-s.retention))
		if err != nil {
			return res, fmt.Errorf("purge resolved requests: %w", err)
		}
		res.Purged = n
		if n > 0 {
			if err := s.purger.Vacuum(ctx); err != nil {
				s.logger.Warn("vacuum failed", slog.String("error", err.Error()))
			}
		}
	}

	if res.Purged > 0 || res.Reaped > 0 {
		s.logger.Info("sweep finished", slog.Int64("purged", res.Purged), slog.Int("reaped", res.Reaped))
	}
	return res, nil
}

// Stop shuts the loop down and waits for it.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("sweeper stopped")
	return nil
}
