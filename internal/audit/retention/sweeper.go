// Package retention tracks which ledger records have aged past the retention
// horizon. The ledger never deletes: the sweep only counts eligible records
// and exposes the read contract the cold-storage exporter archives from.
package retention

import (
	"context"
	"log/slog"
	"time"

	"rcm-audit/internal/audit"
	"rcm-audit/internal/audit/metrics"
	"rcm-audit/internal/audit/store"
	dErrors "rcm-audit/pkg/domain-errors"
)

// Config holds the retention horizon and sweep cadence.
type Config struct {
	// Horizon is how long records are retained before becoming eligible for
	// archival. The default matches a seven-year compliance hold.
	Horizon time.Duration

	// Interval is how often the sweep recounts eligible records.
	Interval time.Duration
}

// Sweeper periodically counts archive-eligible records and serves batch reads
// to the exporter. Each pass is time-bounded by the sweep interval's context.
type Sweeper struct {
	store   store.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
}

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithClock sets the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs the sweeper.
func New(st store.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Sweeper {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 2555 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	s := &Sweeper{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cutoff returns the current archival cutoff: records at or before it are
// eligible.
func (s *Sweeper) Cutoff() time.Time {
	return s.clock().Add(-s.cfg.Horizon)
}

// Eligible counts records past the retention horizon.
func (s *Sweeper) Eligible(ctx context.Context) (int, error) {
	count, err := s.store.CountExpired(ctx, s.Cutoff())
	if err != nil {
		return 0, dErrors.Wrap(dErrors.CodeInternal, "retention count failed", err)
	}
	return count, nil
}

// ListExpired returns up to max archive-eligible records for the exporter.
func (s *Sweeper) ListExpired(ctx context.Context, max int) ([]audit.Event, error) {
	events, err := s.store.ListExpired(ctx, s.Cutoff(), max)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "retention read failed", err)
	}
	return events, nil
}

// Run recounts eligible records on every tick until ctx is canceled. A failed
// pass is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	count, err := s.Eligible(sweepCtx)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
		return
	}

	s.metrics.SetRetentionEligible(count)
	if count > 0 {
		s.logger.InfoContext(ctx, "records eligible for cold-storage archival",
			"count", count,
			"cutoff", s.Cutoff().Format(time.RFC3339),
		)
	}
}
