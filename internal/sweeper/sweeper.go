// Package sweeper fails commands whose ack deadline passed.
//
// A timed-out command is closed as ACK_FAIL and never retried; the retry
// path belongs to publish errors only. A device that stays silent after a
// successful publish is a different problem than a broken transport.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/smartlabs/smart-schedulers/internal/domain"
	"github.com/smartlabs/smart-schedulers/internal/metrics"
	"github.com/smartlabs/smart-schedulers/internal/store"
)

const (
	minInterval  = 100 * time.Millisecond
	minBatchSize = 1
)

// DB runs a function inside one transaction.
type DB interface {
	InTx(ctx context.Context, fn func(q store.Querier) error) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     DB

	Interval  time.Duration
	BatchSize int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
	if c.BatchSize < minBatchSize {
		c.BatchSize = minBatchSize
	}
	return nil
}

// Sweeper periodically closes IN_FLIGHT commands whose ack deadline passed.
type Sweeper struct {
	log      *slog.Logger
	clock    clockwork.Clock
	db       DB
	interval time.Duration
	batch    int
}

func New(cfg *Config) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sweeper config: %w", err)
	}
	return &Sweeper{
		log:      cfg.Logger.With("component", "timeout-sweeper"),
		clock:    cfg.Clock,
		db:       cfg.DB,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}, nil
}

// Run sweeps once per interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("Timeout sweeper started", "interval", s.interval, "batch_size", s.batch)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Timeout sweeper stopped")
			return nil
		case <-ticker.Chan():
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	now := s.clock.Now().UTC()

	var timedOut []domain.Command
	err := s.db.InTx(ctx, func(q store.Querier) error {
		var err error
		timedOut, err = q.ClaimTimeouts(ctx, now, s.batch)
		if err != nil {
			return err
		}
		for _, cmd := range timedOut {
			err := q.CreateDeviceEvent(ctx, store.DeviceEventParams{
				DeviceID:      cmd.DeviceID,
				EventName:     domain.EventSchedulerAckFailed,
				TriggerReason: domain.TriggerAckTimeout,
				CreatedAt:     now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Timeout sweep failed", "error", err)
		}
		return
	}

	if len(timedOut) > 0 {
		metrics.SweeperTimedOut.Add(float64(len(timedOut)))
		s.log.Warn("Swept timed out commands", "timed_out", len(timedOut))
	}
}
