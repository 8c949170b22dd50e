package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

// dueEntryColumns joins a slot with its devices and their microcontrollers.
// The power provider consulted by the threshold decision is the
// microcontroller's, not the slot's.
const dueEntryColumns = `
	SELECT s.id, s.scheduler_id,
	       d.id, d.uuid::text, d.device_number, d.mode,
	       m.id, m.uuid::text, m.power_provider_id,
	       s.use_power_threshold, s.power_threshold_value::float8, s.power_threshold_unit
	FROM scheduler_slots s
	JOIN devices d ON d.scheduler_id = s.scheduler_id
	JOIN microcontrollers m ON m.id = d.microcontroller_id`

// FetchDueEntries returns slots whose UTC start time matches the given
// minute, restricted to schedulable devices on enabled microcontrollers.
// Pagination is by (slot id, device id) order so planner pages are stable.
func (q *queries) FetchDueEntries(ctx context.Context, day domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.DueEntry, error) {
	return q.fetchEntries(ctx, dueEntryColumns+`
	WHERE s.day_of_week = $1
	  AND s.start_utc_time = $2
	  AND d.mode = $3
	  AND m.enabled
	ORDER BY s.id, d.id
	LIMIT $4 OFFSET $5`, day, hhmm, limit, offset)
}

// FetchEndEntries is FetchDueEntries keyed on the slot end time.
func (q *queries) FetchEndEntries(ctx context.Context, day domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.DueEntry, error) {
	return q.fetchEntries(ctx, dueEntryColumns+`
	WHERE s.day_of_week = $1
	  AND s.end_utc_time = $2
	  AND d.mode = $3
	  AND m.enabled
	ORDER BY s.id, d.id
	LIMIT $4 OFFSET $5`, day, hhmm, limit, offset)
}

func (q *queries) fetchEntries(ctx context.Context, sql string, day domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.DueEntry, error) {
	rows, err := q.tx.Query(ctx, sql, day, hhmm, domain.DeviceModeSchedule, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query slot entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.DueEntry
	for rows.Next() {
		var e domain.DueEntry
		if err := rows.Scan(
			&e.SlotID, &e.SchedulerID,
			&e.DeviceID, &e.DeviceUUID, &e.DeviceNumber, &e.DeviceMode,
			&e.MicrocontrollerID, &e.MicrocontrollerUUID, &e.PowerProviderID,
			&e.UsePowerThreshold, &e.PowerThresholdValue, &e.PowerThresholdUnit,
		); err != nil {
			return nil, fmt.Errorf("failed to scan slot entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetProvider returns nil without error when the provider does not exist.
func (q *queries) GetProvider(ctx context.Context, id int64) (*domain.Provider, error) {
	var p domain.Provider
	err := q.tx.QueryRow(ctx,
		`SELECT id, unit, expected_interval_sec, enabled FROM providers WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Unit, &p.ExpectedIntervalSec, &p.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider %d: %w", id, err)
	}
	return &p, nil
}

// GetLatestMeasurement returns the newest measurement for a provider, nil
// when none exists.
func (q *queries) GetLatestMeasurement(ctx context.Context, providerID int64) (*domain.Measurement, error) {
	var m domain.Measurement
	err := q.tx.QueryRow(ctx,
		`SELECT id, provider_id, measured_at, measured_value::float8, measured_unit
		 FROM provider_measurements
		 WHERE provider_id = $1
		 ORDER BY measured_at DESC, id DESC
		 LIMIT 1`,
		providerID,
	).Scan(&m.ID, &m.ProviderID, &m.MeasuredAt, &m.MeasuredValue, &m.MeasuredUnit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest measurement for provider %d: %w", providerID, err)
	}
	m.MeasuredAt = m.MeasuredAt.UTC()
	return &m, nil
}

// UpdateDeviceState caches the acknowledged pin state on the device row.
func (q *queries) UpdateDeviceState(ctx context.Context, deviceID int64, isOn bool, changedAt time.Time) error {
	_, err := q.tx.Exec(ctx,
		`UPDATE devices SET manual_state = $2, last_state_change_at = $3, updated_at = $3 WHERE id = $1`,
		deviceID, isOn, changedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update device %d state: %w", deviceID, err)
	}
	return nil
}
