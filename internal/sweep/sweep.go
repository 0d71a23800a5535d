// Package sweep expires listings whose deadline has passed.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gamehub/economy-engine/internal/economy"
	"github.com/gamehub/economy-engine/internal/metrics"
	"github.com/gamehub/economy-engine/internal/model"
)

// Engine is the part of the economy engine the sweep drives.
type Engine interface {
	Now() time.Time
	ListActiveListings(ctx context.Context, filter model.ListingFilter) ([]model.Listing, error)
	ExpireListing(ctx context.Context, listingID string, opts ...economy.UnitOption) (*model.Listing, error)
}

// Sweeper runs ExpireListing over every overdue ACTIVE listing on a cron
// schedule. Each tick handles at most one batch; the rest waits for the
// next tick.
type Sweeper struct {
	engine    Engine
	schedule  string
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New returns a sweeper. schedule uses the robfig/cron syntax, including
// descriptors such as "@every 1m".
func New(engine Engine, schedule string, batchSize int, logger *slog.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, schedule: schedule, batchSize: batchSize, logger: logger}, nil
}

// Start schedules the sweep. Runs started by the schedule use ctx; a run
// still in progress when the next tick fires causes that tick to be skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("listing sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info("listing sweep started", "schedule", s.schedule, "batch_size", s.batchSize)
	return nil
}

// Stop unschedules the sweep and waits for a running pass to finish or ctx
// to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		s.logger.Info("listing sweep stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce expires one batch of overdue listings and returns how many it
// expired. Listings that a concurrent trade or cancel closed first are
// skipped silently.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.engine.Now()
	due, err := s.engine.ListActiveListings(ctx, model.ListingFilter{ExpiredBefore: &now, Limit: s.batchSize})
	if err != nil {
		return 0, fmt.Errorf("list overdue listings: %w", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, l := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.engine.ExpireListing(ctx, l.ID)
		switch {
		case err == nil:
			expired++
			metrics.SweepExpired.Inc()
		case errors.Is(err, model.ErrListingNotActive), errors.Is(err, model.ErrListingNotExpired):
			s.logger.Debug("listing closed before sweep", "listing", l.ID, "error", err)
		default:
			s.logger.Error("expire listing failed", "listing", l.ID, "error", err)
			errs = append(errs, fmt.Errorf("expire listing %s: %w", l.ID, err))
		}
	}

	if len(due) > 0 {
		s.logger.Info("listing sweep pass", "due", len(due), "expired", expired, "more", len(due) == s.batchSize)
	}
	return expired, errors.Join(errs...)
}

// cronLogger routes cron's logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
