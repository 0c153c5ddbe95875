package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/carepass/internal/clock"
	"github.com/nkiryanov/carepass/internal/logger"
	"github.com/nkiryanov/carepass/internal/metrics"
	"github.com/nkiryanov/carepass/internal/repository"
)

type SweeperConfig struct {
	// Records are kept this long after they expire
	// If not set than default is used
	Retention time.Duration

	// How often Run purges, zero disables the loop
	Interval time.Duration

	// Time source, real clock if not set
	Clock clock.Clock

	// Purge outcomes, no-op if not set
	Metrics metrics.BusinessMetrics
}

// Sweeper is the only component that deletes ledger records
// It runs out of band and never inline with issuance or validation.
type Sweeper struct {
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	metrics   metrics.BusinessMetrics

	ledger repository.TokenLedger
	logger logger.Logger
}

func NewSweeper(cfg SweeperConfig, ledger repository.TokenLedger, l logger.Logger) (*Sweeper, error) {
	if ledger == nil {
		return nil, errors.New("ledger must not be nil")
	}
	if cfg.Retention < 0 || cfg.Interval < 0 {
		return nil, errors.New("retention and interval must not be negative")
	}

	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpBusinessMetrics()
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Sweeper{
		retention: cfg.Retention,
		interval:  cfg.Interval,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		ledger:    ledger,
		logger:    l,
	}, nil
}

// Purge deletes records that expired more than the retention window ago, whatever their state
func (s *Sweeper) Purge(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := s.clock.Now().Add(-s.retention)

	count, err := s.ledger.Purge(ctx, cutoff)

	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordOperation(ctx, "purge", status)
	s.metrics.RecordDuration(ctx, "purge", time.Since(start), status)

	if err != nil {
		return 0, fmt.Errorf("error while purging tokens. Err: %w", err)
	}

	s.logger.Info("Expired tokens purged", "count", count, "cutoff", cutoff)
	return count, nil
}

// Run purges on every tick until ctx is done
// The returned channel is closed when the loop stopped.
func (s *Sweeper) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	if s.interval == 0 {
		s.logger.Info("Retention sweep disabled")
		close(idleStopped)
		return idleStopped
	}

	ticker := s.clock.NewTicker(s.interval)
	s.logger.Debug("Starting retention sweep", "interval", s.interval, "retention", s.retention)

	go func() {
		defer close(idleStopped)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Retention sweep stopped by context")
				return

			case <-ticker.C:
				if _, err := s.Purge(ctx); err != nil {
					s.logger.Error("Retention sweep failed", "error", err)
				}
			}
		}
	}()

	return idleStopped
}
