package store

import (
	"context"
	"fmt"
)

// Migrate applies the schema. Statements are idempotent so every replica can
// run them at startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	s.log.Debug("Postgres schema up to date")
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id BIGSERIAL PRIMARY KEY,
		unit TEXT,
		expected_interval_sec INTEGER,
		enabled BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS provider_measurements (
		id BIGSERIAL PRIMARY KEY,
		provider_id BIGINT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
		measured_at TIMESTAMPTZ NOT NULL,
		measured_value NUMERIC(12,2),
		measured_unit VARCHAR(16)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_provider_measurements_latest
		ON provider_measurements (provider_id, measured_at DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS schedulers (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		user_id BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS scheduler_slots (
		id BIGSERIAL PRIMARY KEY,
		scheduler_id BIGINT NOT NULL REFERENCES schedulers(id) ON DELETE CASCADE,
		day_of_week TEXT NOT NULL,
		start_time CHAR(5) NOT NULL,
		end_time CHAR(5) NOT NULL,
		start_utc_time CHAR(5),
		end_utc_time CHAR(5),
		use_power_threshold BOOLEAN NOT NULL DEFAULT FALSE,
		power_provider_id BIGINT REFERENCES providers(id) ON DELETE SET NULL,
		power_threshold_value NUMERIC(12,4),
		power_threshold_unit VARCHAR(16)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_slots_day_start
		ON scheduler_slots (day_of_week, start_utc_time)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_slots_day_end
		ON scheduler_slots (day_of_week, end_utc_time)`,

	`CREATE TABLE IF NOT EXISTS microcontrollers (
		id BIGSERIAL PRIMARY KEY,
		uuid UUID NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		power_provider_id BIGINT REFERENCES providers(id) ON DELETE SET NULL
	)`,

	`CREATE TABLE IF NOT EXISTS devices (
		id BIGSERIAL PRIMARY KEY,
		uuid UUID NOT NULL,
		microcontroller_id BIGINT NOT NULL REFERENCES microcontrollers(id) ON DELETE CASCADE,
		scheduler_id BIGINT REFERENCES schedulers(id) ON DELETE SET NULL,
		device_number INTEGER NOT NULL,
		mode TEXT NOT NULL,
		manual_state BOOLEAN,
		last_state_change_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_scheduler ON devices (scheduler_id)`,

	`CREATE TABLE IF NOT EXISTS scheduler_commands (
		command_id UUID PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		microcontroller_id BIGINT NOT NULL REFERENCES microcontrollers(id) ON DELETE CASCADE,
		slot_id BIGINT NOT NULL REFERENCES scheduler_slots(id) ON DELETE CASCADE,
		action TEXT NOT NULL,
		minute_key TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		ack_deadline_at TIMESTAMPTZ,
		next_attempt_at TIMESTAMPTZ,
		trigger_reason TEXT NOT NULL,
		measured_value DOUBLE PRECISION,
		measured_unit VARCHAR(16),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	// At most one non-terminal command per (device, slot, minute, action).
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_scheduler_commands_open
		ON scheduler_commands (device_id, slot_id, minute_key, action)
		WHERE status IN ('PENDING','IN_FLIGHT','PENDING_RETRY')`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_commands_dispatch
		ON scheduler_commands (status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduler_commands_deadline
		ON scheduler_commands (status, ack_deadline_at)`,

	`CREATE TABLE IF NOT EXISTS device_events (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		event_name TEXT NOT NULL,
		device_state TEXT,
		pin_state BOOLEAN,
		measured_value DOUBLE PRECISION,
		measured_unit VARCHAR(16),
		trigger_reason TEXT,
		source TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_events_device_created
		ON device_events (device_id, created_at)`,
}
