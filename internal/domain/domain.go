// Package domain holds the entities and enums shared by the scheduling
// workers: microcontrollers, devices, weekly slots, commands and the
// audit-event taxonomy. All timestamps are UTC.
package domain

import "time"

// ServiceName identifies this service in transport envelopes and audit rows.
const ServiceName = "smart-schedulers"

// DeviceMode selects how a device is driven. Only SCHEDULE devices are
// eligible for planner scans.
type DeviceMode string

const (
	DeviceModeManual    DeviceMode = "MANUAL"
	DeviceModeAutoPower DeviceMode = "AUTO_POWER"
	DeviceModeSchedule  DeviceMode = "SCHEDULE"
)

type DayOfWeek string

const (
	Monday    DayOfWeek = "MONDAY"
	Tuesday   DayOfWeek = "TUESDAY"
	Wednesday DayOfWeek = "WEDNESDAY"
	Thursday  DayOfWeek = "THURSDAY"
	Friday    DayOfWeek = "FRIDAY"
	Saturday  DayOfWeek = "SATURDAY"
	Sunday    DayOfWeek = "SUNDAY"
)

// Microcontroller is the physical unit commands are addressed to. Disabled
// microcontrollers are excluded from planner scans.
type Microcontroller struct {
	ID              int64
	UUID            string
	Enabled         bool
	PowerProviderID *int64
}

// Device is a single switchable output on a microcontroller. ManualState and
// LastStateChangeAt cache the last acknowledged pin state and are owned by
// the ACK consumer.
type Device struct {
	ID                int64
	UUID              string
	MicrocontrollerID int64
	SchedulerID       *int64
	DeviceNumber      int
	Mode              DeviceMode
	ManualState       *bool
	LastStateChangeAt *time.Time
	UpdatedAt         time.Time
}

type Scheduler struct {
	ID     int64
	Name   string
	UserID int64
}

// SchedulerSlot is a recurring weekly window. StartUTCTime and EndUTCTime
// (HH:MM) are authoritative for planning; the local times are display-only.
type SchedulerSlot struct {
	ID                  int64
	SchedulerID         int64
	DayOfWeek           DayOfWeek
	StartTime           string
	EndTime             string
	StartUTCTime        *string
	EndUTCTime          *string
	UsePowerThreshold   bool
	PowerProviderID     *int64
	PowerThresholdValue *float64
	PowerThresholdUnit  *string
}

// Provider is a power-measurement source used to gate threshold slots.
type Provider struct {
	ID                  int64
	Unit                *string
	ExpectedIntervalSec *int
	Enabled             bool
}

// Measurement is one append-only power reading for a provider.
type Measurement struct {
	ID            int64
	ProviderID    int64
	MeasuredAt    time.Time
	MeasuredValue *float64
	MeasuredUnit  *string
}

// DueEntry is one planner scan row: a slot whose start or end time matches
// the current minute, joined with its device and microcontroller.
// PowerProviderID is the microcontroller's provider, which is the one the
// threshold decision consults.
type DueEntry struct {
	SlotID              int64
	SchedulerID         int64
	DeviceID            int64
	DeviceUUID          string
	DeviceNumber        int
	DeviceMode          DeviceMode
	MicrocontrollerID   int64
	MicrocontrollerUUID string
	PowerProviderID     *int64
	UsePowerThreshold   bool
	PowerThresholdValue *float64
	PowerThresholdUnit  *string
}
