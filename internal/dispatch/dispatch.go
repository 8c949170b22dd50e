// Package dispatch moves PENDING commands onto the wire. It claims batches
// under per-microcontroller fairness, publishes them concurrently, and turns
// publish failures into jittered retries or terminal failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/smartlabs/smart-schedulers/internal/bus"
	"github.com/smartlabs/smart-schedulers/internal/domain"
	"github.com/smartlabs/smart-schedulers/internal/metrics"
	"github.com/smartlabs/smart-schedulers/internal/store"
)

const (
	minAckTimeout   = time.Second
	minPollInterval = 50 * time.Millisecond
)

type DB interface {
	InTx(ctx context.Context, fn func(q store.Querier) error) error
}

// Publisher delivers one command envelope; an error means the broker did not
// take the message.
type Publisher interface {
	PublishCommand(ctx context.Context, env bus.CommandEnvelope) error
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	DB        DB
	Publisher Publisher

	StreamName                    string
	BatchSize                     int
	PollInterval                  time.Duration
	AckTimeout                    time.Duration
	MaxRetry                      int
	RetryBackoff                  time.Duration
	RetryJitter                   time.Duration
	MaxInflightPerMicrocontroller int
	MaxConcurrency                int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.StreamName == "" {
		return errors.New("stream name is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.AckTimeout < minAckTimeout {
		c.AckTimeout = minAckTimeout
	}
	if c.PollInterval < minPollInterval {
		c.PollInterval = minPollInterval
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.MaxRetry < 0 {
		c.MaxRetry = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.MaxInflightPerMicrocontroller < 1 {
		c.MaxInflightPerMicrocontroller = 1
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	return nil
}

// publishResult pairs one command with its publish outcome so a batch can
// fan out without losing track of which command failed.
type publishResult struct {
	commandID uuid.UUID
	err       error
}

type Dispatcher struct {
	log       *slog.Logger
	clock     clockwork.Clock
	db        DB
	publisher Publisher
	cfg       *Config

	pool pond.ResultPool[publishResult]
}

func New(cfg *Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	return &Dispatcher{
		log:       cfg.Logger.With("component", "dispatcher"),
		clock:     cfg.Clock,
		db:        cfg.DB,
		publisher: cfg.Publisher,
		cfg:       cfg,
		pool:      pond.NewResultPool[publishResult](cfg.MaxConcurrency),
	}, nil
}

// Run blocks until ctx is cancelled. While claims keep returning work the
// loop runs hot; an empty claim sleeps one poll interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Dispatcher starting",
		"batch_size", d.cfg.BatchSize,
		"max_concurrency", d.cfg.MaxConcurrency,
		"ack_timeout", d.cfg.AckTimeout,
		"max_retry", d.cfg.MaxRetry,
		"inflight_per_microcontroller", d.cfg.MaxInflightPerMicrocontroller,
	)
	defer d.pool.StopAndWait()

	for {
		if ctx.Err() != nil {
			d.log.Info("Dispatcher stopping", "reason", ctx.Err())
			return nil
		}
		if d.runOnce(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			d.log.Info("Dispatcher stopping", "reason", ctx.Err())
			return nil
		case <-d.clock.After(d.cfg.PollInterval):
		}
	}
}

// runOnce claims and publishes one batch. It reports whether any work was
// found so the caller knows whether to idle.
func (d *Dispatcher) runOnce(ctx context.Context) bool {
	now := d.clock.Now().UTC()

	var claimed []domain.DispatchEntry
	err := d.db.InTx(ctx, func(q store.Querier) error {
		var err error
		claimed, err = q.ClaimPendingForDispatch(ctx, store.ClaimParams{
			Limit:                         d.cfg.BatchSize,
			Now:                           now,
			AckTimeout:                    d.cfg.AckTimeout,
			MaxInflightPerMicrocontroller: d.cfg.MaxInflightPerMicrocontroller,
		})
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("Failed to claim commands for dispatch", "error", err)
		}
		return false
	}
	if len(claimed) == 0 {
		return false
	}
	metrics.DispatchClaimed.Add(float64(len(claimed)))

	group := d.pool.NewGroupContext(ctx)
	for _, cmd := range claimed {
		group.Submit(func() publishResult {
			return publishResult{commandID: cmd.CommandID, err: d.publishOne(ctx, cmd)}
		})
	}
	results, _ := group.Wait()

	var failed []uuid.UUID
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r.commandID)
		}
	}
	if len(failed) > 0 {
		d.handlePublishFailures(ctx, failed)
	}
	d.log.Info("Dispatch batch processed", "claimed", len(claimed), "failed", len(failed))
	return true
}

func (d *Dispatcher) publishOne(ctx context.Context, cmd domain.DispatchEntry) error {
	env := bus.NewCommandEnvelope(d.cfg.StreamName, cmd, d.clock.Now())
	if err := d.publisher.PublishCommand(ctx, env); err != nil {
		d.log.Error("Failed to publish command",
			"command_id", cmd.CommandID,
			"device_id", cmd.DeviceID,
			"action", cmd.Action,
			"error", err,
		)
		metrics.DispatchPublishOutcomes.WithLabelValues("error").Inc()
		return err
	}
	metrics.DispatchPublishOutcomes.WithLabelValues("ok").Inc()
	return nil
}

// handlePublishFailures applies the retry policy to every failed command in
// one transaction. Commands that exhausted their retries are closed with an
// audit event; commands the sweeper already failed are left alone.
func (d *Dispatcher) handlePublishFailures(ctx context.Context, ids []uuid.UUID) {
	now := d.clock.Now().UTC()
	finalFailures := 0
	err := d.db.InTx(ctx, func(q store.Querier) error {
		finalFailures = 0
		for _, id := range ids {
			updated, err := q.MarkPublishFailure(ctx, store.PublishFailureParams{
				CommandID:    id,
				Now:          now,
				MaxRetry:     d.cfg.MaxRetry,
				RetryBackoff: d.cfg.RetryBackoff,
				RetryJitter:  d.cfg.RetryJitter,
			})
			if err != nil {
				return err
			}
			if updated == nil {
				continue
			}
			if updated.Status == domain.CommandAckFail {
				finalFailures++
				metrics.DispatchFinalFailures.Inc()
				if err := q.CreateDeviceEvent(ctx, store.DeviceEventParams{
					DeviceID:      updated.DeviceID,
					EventName:     domain.EventSchedulerAckFailed,
					TriggerReason: domain.TriggerDispatchPublishFailed,
					CreatedAt:     now,
				}); err != nil {
					return err
				}
				continue
			}
			metrics.DispatchRetries.Inc()
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("Failed to record publish failures", "count", len(ids), "error", err)
		}
		return
	}
	if finalFailures > 0 {
		d.log.Warn("Commands exhausted their publish retries", "count", finalFailures)
	}
}
