// Package planner turns recurring weekly slots into concrete command rows.
// Once per wall-clock minute it scans for slots that begin or end at that
// minute, gates each begin on the power-threshold decision, and enqueues
// PENDING commands for the dispatcher.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/smartlabs/smart-schedulers/internal/decision"
	"github.com/smartlabs/smart-schedulers/internal/domain"
	"github.com/smartlabs/smart-schedulers/internal/metrics"
	"github.com/smartlabs/smart-schedulers/internal/store"
)

// tickInterval bounds how long a stop signal waits; the minute marker, not
// the ticker, decides when work happens.
const tickInterval = time.Second

type DB interface {
	InTx(ctx context.Context, fn func(q store.Querier) error) error
}

// Idempotency is the cross-replica once-per-minute guard.
type Idempotency interface {
	Acquire(ctx context.Context, deviceID, slotID int64, minute time.Time, action domain.CommandAction) bool
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	DB          DB
	Idempotency Idempotency
	BatchSize   int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Idempotency == nil {
		return errors.New("idempotency store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	return nil
}

type Planner struct {
	log   *slog.Logger
	clock clockwork.Clock
	db    DB
	idem  Idempotency
	batch int

	lastProcessed time.Time
}

func New(cfg *Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid planner config: %w", err)
	}
	return &Planner{
		log:   cfg.Logger.With("component", "planner"),
		clock: cfg.Clock,
		db:    cfg.DB,
		idem:  cfg.Idempotency,
		batch: cfg.BatchSize,
	}, nil
}

// Run blocks until ctx is cancelled. Minutes are processed in monotonic
// order; minutes missed during a long stall are skipped, not backfilled,
// because a command more than a minute late is already stale.
func (p *Planner) Run(ctx context.Context) error {
	p.log.Info("Planner starting", "batch_size", p.batch)

	ticker := p.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Planner stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			p.runOnce(ctx)
		}
	}
}

func (p *Planner) runOnce(ctx context.Context) {
	minute := domain.MinuteOf(p.clock.Now())
	if !minute.After(p.lastProcessed) {
		return
	}
	if err := p.processMinute(ctx, minute); err != nil {
		if ctx.Err() != nil {
			return
		}
		// Leave the marker so the next tick retries; the idempotency
		// gate keeps the retry from double-planning committed pages.
		p.log.Error("Failed to process minute", "minute", domain.MinuteKey(minute), "error", err)
		metrics.PlannerErrs.Inc()
		return
	}
	p.lastProcessed = minute
}

// minuteStats aggregates one minute's outcome for the summary log.
type minuteStats struct {
	scannedDue  int
	scannedEnd  int
	enqueuedOn  int
	enqueuedOff int
	skipped     int
	skipReasons map[string]int
}

func (p *Planner) processMinute(ctx context.Context, minute time.Time) error {
	day := domain.DayOfWeekAt(minute)
	hhmm := domain.ClockHHMM(minute)

	stats := minuteStats{skipReasons: make(map[string]int)}
	// Memoized per minute so N slots on one provider cost one read each.
	providers := make(map[int64]*domain.Provider)
	measurements := make(map[int64]*domain.Measurement)

	if err := p.scanDue(ctx, minute, day, hhmm, &stats, providers, measurements); err != nil {
		return err
	}
	if err := p.scanEnd(ctx, minute, day, hhmm, &stats); err != nil {
		return err
	}

	metrics.PlannerMinutes.Inc()
	if stats.scannedDue == 0 && stats.scannedEnd == 0 {
		p.log.Debug("Minute processed", "minute", domain.MinuteKey(minute), "due_entries", 0, "end_entries", 0)
		return nil
	}
	p.log.Info("Minute planned",
		"minute", domain.MinuteKey(minute),
		"scanned_due", stats.scannedDue,
		"scanned_end", stats.scannedEnd,
		"enqueued_on", stats.enqueuedOn,
		"enqueued_off", stats.enqueuedOff,
		"skipped", stats.skipped,
	)
	if stats.skipped > 0 {
		p.log.Warn("Minute skip summary", "minute", domain.MinuteKey(minute), "skip_reasons", stats.skipReasons)
	}
	return nil
}

// scanDue walks the begin-scan pages. Each page runs in its own transaction
// so a large fleet never holds one long lock.
func (p *Planner) scanDue(
	ctx context.Context,
	minute time.Time,
	day domain.DayOfWeek,
	hhmm string,
	stats *minuteStats,
	providers map[int64]*domain.Provider,
	measurements map[int64]*domain.Measurement,
) error {
	offset := 0
	for ctx.Err() == nil {
		var page int
		err := p.db.InTx(ctx, func(q store.Querier) error {
			entries, err := q.FetchDueEntries(ctx, day, hhmm, p.batch, offset)
			if err != nil {
				return err
			}
			page = len(entries)
			for _, entry := range entries {
				if !p.idem.Acquire(ctx, entry.DeviceID, entry.SlotID, minute, domain.ActionOn) {
					continue
				}

				provider, latest, err := p.lookupPower(ctx, q, entry.PowerProviderID, providers, measurements)
				if err != nil {
					return err
				}

				verdict := decision.Decide(entry, minute, provider, latest)
				if verdict.Allowed() {
					inserted, err := q.EnqueueCommand(ctx, store.EnqueueParams{
						Entry:         entry,
						Action:        domain.ActionOn,
						MinuteKey:     minute,
						TriggerReason: verdict.TriggerReason,
						MeasuredValue: verdict.MeasuredValue,
						MeasuredUnit:  verdict.MeasuredUnit,
						Now:           minute,
					})
					if err != nil {
						return err
					}
					if inserted {
						stats.enqueuedOn++
						metrics.PlannerEnqueued.WithLabelValues(string(domain.ActionOn)).Inc()
					}
					continue
				}

				stats.skipped++
				stats.skipReasons[verdict.TriggerReason]++
				metrics.PlannerSkips.WithLabelValues(verdict.TriggerReason).Inc()
				pinState := false
				if err := q.CreateDeviceEvent(ctx, store.DeviceEventParams{
					DeviceID:      entry.DeviceID,
					EventName:     verdict.SkipEventName(),
					TriggerReason: verdict.TriggerReason,
					PinState:      &pinState,
					MeasuredValue: verdict.MeasuredValue,
					MeasuredUnit:  verdict.MeasuredUnit,
					CreatedAt:     p.clock.Now().UTC(),
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("due scan page at offset %d: %w", offset, err)
		}
		stats.scannedDue += page
		metrics.PlannerScanned.WithLabelValues("due").Add(float64(page))
		if page == 0 {
			return nil
		}
		offset += page
	}
	return ctx.Err()
}

// scanEnd enqueues the OFF command for every slot ending this minute. Ends
// bypass the threshold decision: a window that opened must also close.
func (p *Planner) scanEnd(
	ctx context.Context,
	minute time.Time,
	day domain.DayOfWeek,
	hhmm string,
	stats *minuteStats,
) error {
	offset := 0
	for ctx.Err() == nil {
		var page int
		err := p.db.InTx(ctx, func(q store.Querier) error {
			entries, err := q.FetchEndEntries(ctx, day, hhmm, p.batch, offset)
			if err != nil {
				return err
			}
			page = len(entries)
			for _, entry := range entries {
				if !p.idem.Acquire(ctx, entry.DeviceID, entry.SlotID, minute, domain.ActionOff) {
					continue
				}
				inserted, err := q.EnqueueCommand(ctx, store.EnqueueParams{
					Entry:         entry,
					Action:        domain.ActionOff,
					MinuteKey:     minute,
					TriggerReason: domain.TriggerSchedulerEnd,
					Now:           minute,
				})
				if err != nil {
					return err
				}
				if inserted {
					stats.enqueuedOff++
					metrics.PlannerEnqueued.WithLabelValues(string(domain.ActionOff)).Inc()
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("end scan page at offset %d: %w", offset, err)
		}
		stats.scannedEnd += page
		metrics.PlannerScanned.WithLabelValues("end").Add(float64(page))
		if page == 0 {
			return nil
		}
		offset += page
	}
	return ctx.Err()
}

// lookupPower resolves the provider and its freshest measurement through the
// per-minute caches. Missing rows are cached as nil so absent providers do
// not hammer the store.
func (p *Planner) lookupPower(
	ctx context.Context,
	q store.Querier,
	providerID *int64,
	providers map[int64]*domain.Provider,
	measurements map[int64]*domain.Measurement,
) (*domain.Provider, *domain.Measurement, error) {
	if providerID == nil {
		return nil, nil, nil
	}
	id := *providerID

	provider, ok := providers[id]
	if !ok {
		var err error
		if provider, err = q.GetProvider(ctx, id); err != nil {
			return nil, nil, err
		}
		providers[id] = provider
	}

	latest, ok := measurements[id]
	if !ok {
		var err error
		if latest, err = q.GetLatestMeasurement(ctx, id); err != nil {
			return nil, nil, err
		}
		measurements[id] = latest
	}
	return provider, latest, nil
}
