package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/smartlabs/smart-schedulers/internal/decision"
	"github.com/smartlabs/smart-schedulers/internal/domain"
	"github.com/smartlabs/smart-schedulers/internal/store"
)

// monday is a Monday, 08:00:30 UTC; its minute key is 08:00.
var monday = time.Date(2025, 3, 10, 8, 0, 30, 0, time.UTC)

type fakeQuerier struct {
	store.Querier

	due map[int][]domain.DueEntry
	end map[int][]domain.DueEntry

	dueOffsets []int
	endOffsets []int
	lastDay    domain.DayOfWeek
	lastHHMM   string

	providers        map[int64]*domain.Provider
	measurements     map[int64]*domain.Measurement
	providerReads    int
	measurementReads int

	fetchErr error
	enqueued []store.EnqueueParams
	existing bool
	events   []store.DeviceEventParams
}

func (f *fakeQuerier) FetchDueEntries(_ context.Context, day domain.DayOfWeek, hhmm string, _, offset int) ([]domain.DueEntry, error) {
	if f.fetchErr != nil {
		err := f.fetchErr
		f.fetchErr = nil
		return nil, err
	}
	f.lastDay, f.lastHHMM = day, hhmm
	f.dueOffsets = append(f.dueOffsets, offset)
	return f.due[offset], nil
}

func (f *fakeQuerier) FetchEndEntries(_ context.Context, day domain.DayOfWeek, hhmm string, _, offset int) ([]domain.DueEntry, error) {
	f.lastDay, f.lastHHMM = day, hhmm
	f.endOffsets = append(f.endOffsets, offset)
	return f.end[offset], nil
}

func (f *fakeQuerier) GetProvider(_ context.Context, id int64) (*domain.Provider, error) {
	f.providerReads++
	return f.providers[id], nil
}

func (f *fakeQuerier) GetLatestMeasurement(_ context.Context, id int64) (*domain.Measurement, error) {
	f.measurementReads++
	return f.measurements[id], nil
}

func (f *fakeQuerier) EnqueueCommand(_ context.Context, p store.EnqueueParams) (bool, error) {
	f.enqueued = append(f.enqueued, p)
	return !f.existing, nil
}

func (f *fakeQuerier) CreateDeviceEvent(_ context.Context, p store.DeviceEventParams) error {
	f.events = append(f.events, p)
	return nil
}

type fakeDB struct {
	q store.Querier
}

func (f *fakeDB) InTx(_ context.Context, fn func(store.Querier) error) error {
	return fn(f.q)
}

type fakeIdem struct {
	deny     bool
	acquired map[string]int
}

func (f *fakeIdem) Acquire(_ context.Context, deviceID, slotID int64, minute time.Time, action domain.CommandAction) bool {
	if f.acquired == nil {
		f.acquired = make(map[string]int)
	}
	key := fmt.Sprintf("%d:%d:%s:%s", deviceID, slotID, minute.Format(time.RFC3339), action)
	f.acquired[key]++
	if f.deny {
		return false
	}
	return f.acquired[key] == 1
}

func newTestPlanner(t *testing.T, q *fakeQuerier, clk clockwork.Clock, batch int) (*Planner, *fakeIdem) {
	t.Helper()
	idem := &fakeIdem{}
	p, err := New(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:       clk,
		DB:          &fakeDB{q: q},
		Idempotency: idem,
		BatchSize:   batch,
	})
	require.NoError(t, err)
	return p, idem
}

func plainEntry(deviceID, slotID int64) domain.DueEntry {
	return domain.DueEntry{
		SlotID:              slotID,
		SchedulerID:         1,
		DeviceID:            deviceID,
		DeviceUUID:          "d6c8f803-74a1-4c5b-9b10-0a4b8a3f0f77",
		DeviceNumber:        1,
		DeviceMode:          domain.DeviceModeSchedule,
		MicrocontrollerID:   5,
		MicrocontrollerUUID: "8f14e45f-ea12-4272-b9a5-8f7b1e2a9c11",
	}
}

func TestPlanner_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{})
	require.ErrorContains(t, err, "logger is required")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err = New(&Config{Logger: log})
	require.ErrorContains(t, err, "db is required")

	_, err = New(&Config{Logger: log, DB: &fakeDB{}})
	require.ErrorContains(t, err, "idempotency store is required")

	// Clock defaults and the batch size is floored to one.
	p, err := New(&Config{Logger: log, DB: &fakeDB{}, Idempotency: &fakeIdem{}, BatchSize: -3})
	require.NoError(t, err)
	require.Equal(t, 1, p.batch)
	require.NotNil(t, p.clock)
}

func TestPlanner_PlansDueAndEndEntries(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{
		due: map[int][]domain.DueEntry{0: {plainEntry(7, 3)}},
		end: map[int][]domain.DueEntry{0: {plainEntry(8, 4)}},
	}
	clk := clockwork.NewFakeClockAt(monday)
	p, _ := newTestPlanner(t, q, clk, 100)

	p.runOnce(context.Background())

	require.Equal(t, domain.Monday, q.lastDay)
	require.Equal(t, "08:00", q.lastHHMM)

	minute := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	require.Len(t, q.enqueued, 2)

	on := q.enqueued[0]
	require.Equal(t, domain.ActionOn, on.Action)
	require.Equal(t, int64(7), on.Entry.DeviceID)
	require.Equal(t, domain.TriggerSchedulerMatch, on.TriggerReason)
	require.True(t, on.MinuteKey.Equal(minute))
	require.True(t, on.Now.Equal(minute), "command rows are stamped with the minute itself")

	off := q.enqueued[1]
	require.Equal(t, domain.ActionOff, off.Action)
	require.Equal(t, int64(8), off.Entry.DeviceID)
	require.Equal(t, domain.TriggerSchedulerEnd, off.TriggerReason)
	require.True(t, off.MinuteKey.Equal(minute))

	require.Empty(t, q.events, "no skips, no audit rows")
}

func TestPlanner_SameMinuteProcessedOnce(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{due: map[int][]domain.DueEntry{0: {plainEntry(7, 3)}}}
	clk := clockwork.NewFakeClockAt(monday)
	p, _ := newTestPlanner(t, q, clk, 100)

	p.runOnce(context.Background())
	p.runOnce(context.Background())
	require.Len(t, q.enqueued, 1, "the same minute must not be planned twice")

	// Thirty seconds later it is still the same minute.
	clk.Advance(30 * time.Second)
	p.runOnce(context.Background())
	require.Len(t, q.enqueued, 1)

	// The next minute plans again.
	clk.Advance(time.Minute)
	p.runOnce(context.Background())
	require.Len(t, q.enqueued, 2)
	require.True(t, q.enqueued[1].MinuteKey.Equal(time.Date(2025, 3, 10, 8, 1, 0, 0, time.UTC)))
}

func TestPlanner_FailedMinuteIsRetried(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{
		due:      map[int][]domain.DueEntry{0: {plainEntry(7, 3)}},
		fetchErr: errors.New("connection reset"),
	}
	clk := clockwork.NewFakeClockAt(monday)
	p, _ := newTestPlanner(t, q, clk, 100)

	p.runOnce(context.Background())
	require.Empty(t, q.enqueued)

	// The marker did not advance, so the next tick retries the minute.
	p.runOnce(context.Background())
	require.Len(t, q.enqueued, 1)
}

func TestPlanner_IdempotencyGateSkipsEntry(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{
		due: map[int][]domain.DueEntry{0: {plainEntry(7, 3)}},
		end: map[int][]domain.DueEntry{0: {plainEntry(8, 4)}},
	}
	clk := clockwork.NewFakeClockAt(monday)
	p, idem := newTestPlanner(t, q, clk, 100)
	idem.deny = true

	p.runOnce(context.Background())

	require.Empty(t, q.enqueued, "a lost idempotency race plans nothing")
	require.Empty(t, q.events)
	require.Len(t, idem.acquired, 2, "both scans consulted the gate")
}

func TestPlanner_ThresholdSkipWritesAudit(t *testing.T) {
	t.Parallel()

	providerID := int64(11)
	entry := plainEntry(7, 3)
	entry.UsePowerThreshold = true
	entry.PowerThresholdValue = f64(1.5)
	entry.PowerThresholdUnit = str("kW")
	entry.PowerProviderID = &providerID

	// The provider row is gone, so the verdict is provider-unavailable.
	q := &fakeQuerier{due: map[int][]domain.DueEntry{0: {entry}}}
	clk := clockwork.NewFakeClockAt(monday)
	p, _ := newTestPlanner(t, q, clk, 100)

	p.runOnce(context.Background())

	require.Empty(t, q.enqueued)
	require.Len(t, q.events, 1)
	event := q.events[0]
	require.Equal(t, int64(7), event.DeviceID)
	require.Equal(t, domain.EventSchedulerSkippedNoPowerData, event.EventName)
	require.Equal(t, decision.ReasonPowerProviderUnavailable, event.TriggerReason)
	require.NotNil(t, event.PinState)
	require.False(t, *event.PinState)
}

func TestPlanner_MemoizesProviderLookups(t *testing.T) {
	t.Parallel()

	providerID := int64(11)
	interval := 600
	unit := "W"
	value := 2000.0

	first := plainEntry(7, 3)
	second := plainEntry(9, 4)
	for _, e := range []*domain.DueEntry{&first, &second} {
		e.UsePowerThreshold = true
		e.PowerThresholdValue = f64(1.5)
		e.PowerThresholdUnit = str("kW")
		e.PowerProviderID = &providerID
	}

	q := &fakeQuerier{
		due: map[int][]domain.DueEntry{0: {first, second}},
		providers: map[int64]*domain.Provider{
			providerID: {ID: providerID, Unit: &unit, ExpectedIntervalSec: &interval, Enabled: true},
		},
		measurements: map[int64]*domain.Measurement{
			providerID: {ProviderID: providerID, MeasuredAt: monday.Add(-time.Minute), MeasuredValue: &value, MeasuredUnit: &unit},
		},
	}
	clk := clockwork.NewFakeClockAt(monday)
	p, _ := newTestPlanner(t, q, clk, 100)

	p.runOnce(context.Background())

	require.Len(t, q.enqueued, 2, "both devices pass the 1.5 kW gate at 2000 W")
	require.Equal(t, 1, q.providerReads, "provider lookups are memoized per minute")
	require.Equal(t, 1, q.measurementReads)

	// The enqueued command carries the converted observation.
	require.NotNil(t, q.enqueued[0].MeasuredValue)
	require.Equal(t, 2.0, *q.enqueued[0].MeasuredValue)
	require.Equal(t, "kW", *q.enqueued[0].MeasuredUnit)
}

func TestPlanner_PaginatesUntilEmptyPage(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{
		due: map[int][]domain.DueEntry{
			0: {plainEntry(1, 1), plainEntry(2, 2)},
			2: {plainEntry(3, 3)},
		},
	}
	clk := clockwork.NewFakeClockAt(monday)
	p, _ := newTestPlanner(t, q, clk, 2)

	p.runOnce(context.Background())

	require.Equal(t, []int{0, 2, 3}, q.dueOffsets)
	require.Len(t, q.enqueued, 3)
}

func TestPlanner_DuplicateEnqueueIsSilent(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{
		due:      map[int][]domain.DueEntry{0: {plainEntry(7, 3)}},
		existing: true,
	}
	clk := clockwork.NewFakeClockAt(monday)
	p, _ := newTestPlanner(t, q, clk, 100)

	p.runOnce(context.Background())
	require.Len(t, q.enqueued, 1, "insert was attempted")
	require.Empty(t, q.events, "a duplicate is not an error and not a skip")
}

func TestPlanner_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{}
	p, _ := newTestPlanner(t, q, clockwork.NewFakeClockAt(monday), 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
}

func f64(v float64) *float64 { return &v }
func str(s string) *string   { return &s }
