package store

import (
	"context"
	"fmt"
	"time"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

type DeviceEventParams struct {
	DeviceID      int64
	EventName     domain.EventName
	TriggerReason string
	PinState      *bool
	MeasuredValue *float64
	MeasuredUnit  *string
	CreatedAt     time.Time
}

// CreateDeviceEvent appends one audit row. Rows written by this service are
// always SCHEDULER typed and sourced; device_state mirrors the pin state
// when it is known.
func (q *queries) CreateDeviceEvent(ctx context.Context, p DeviceEventParams) error {
	source := domain.ServiceName
	event := domain.DeviceEvent{
		DeviceID:      p.DeviceID,
		EventType:     domain.EventTypeScheduler,
		EventName:     p.EventName,
		DeviceState:   deviceState(p.PinState),
		PinState:      p.PinState,
		MeasuredValue: p.MeasuredValue,
		MeasuredUnit:  p.MeasuredUnit,
		TriggerReason: &p.TriggerReason,
		Source:        &source,
		CreatedAt:     p.CreatedAt,
	}

	if _, err := q.tx.Exec(ctx,
		`INSERT INTO device_events (
			device_id, event_type, event_name, device_state, pin_state,
			measured_value, measured_unit, trigger_reason, source, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.DeviceID, event.EventType, event.EventName, event.DeviceState, event.PinState,
		event.MeasuredValue, event.MeasuredUnit, event.TriggerReason, event.Source, event.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create device event for device %d: %w", p.DeviceID, err)
	}

	q.committed = append(q.committed, event)
	return nil
}

func deviceState(pinState *bool) *string {
	if pinState == nil {
		return nil
	}
	state := string(domain.ActionOff)
	if *pinState {
		state = string(domain.ActionOn)
	}
	return &state
}
