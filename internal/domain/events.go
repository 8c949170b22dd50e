package domain

import "time"

// EventType classifies the producer of a device event row.
type EventType string

const (
	EventTypeScheduler EventType = "SCHEDULER"
	EventTypeUser      EventType = "USER"
	EventTypeSystem    EventType = "SYSTEM"
)

// EventName is the audit vocabulary the scheduling workers emit.
type EventName string

const (
	EventSchedulerTriggerOn              EventName = "SCHEDULER_TRIGGER_ON"
	EventDeviceOff                       EventName = "DEVICE_OFF"
	EventSchedulerAckFailed              EventName = "SCHEDULER_ACK_FAILED"
	EventSchedulerSkippedNoPowerData     EventName = "SCHEDULER_SKIPPED_NO_POWER_DATA"
	EventSchedulerSkippedThresholdNotMet EventName = "SCHEDULER_SKIPPED_THRESHOLD_NOT_MET"
)

// Trigger reasons recorded on commands and audit events.
const (
	TriggerSchedulerMatch        = "SCHEDULER_MATCH"
	TriggerSchedulerEnd          = "SCHEDULER_END"
	TriggerAckOK                 = "ACK_OK"
	TriggerAckFailed             = "ACK_FAILED"
	TriggerAckTimeout            = "ACK_TIMEOUT"
	TriggerDispatchPublishFailed = "DISPATCH_PUBLISH_FAILED"
)

// DeviceEvent is one append-only audit row.
type DeviceEvent struct {
	ID            int64
	DeviceID      int64
	EventType     EventType
	EventName     EventName
	DeviceState   *string
	PinState      *bool
	MeasuredValue *float64
	MeasuredUnit  *string
	TriggerReason *string
	Source        *string
	CreatedAt     time.Time
}
