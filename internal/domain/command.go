package domain

import (
	"time"

	"github.com/google/uuid"
)

// CommandStatus is the command state machine:
//
//	PENDING -> IN_FLIGHT -> ACK_OK | ACK_FAIL | PENDING_RETRY
//	PENDING_RETRY -> IN_FLIGHT
//
// ACK_OK and ACK_FAIL are terminal and entered exactly once.
type CommandStatus string

const (
	CommandPending      CommandStatus = "PENDING"
	CommandInFlight     CommandStatus = "IN_FLIGHT"
	CommandPendingRetry CommandStatus = "PENDING_RETRY"
	CommandAckOK        CommandStatus = "ACK_OK"
	CommandAckFail      CommandStatus = "ACK_FAIL"
)

// Terminal reports whether the status closes a command.
func (s CommandStatus) Terminal() bool {
	return s == CommandAckOK || s == CommandAckFail
}

type CommandAction string

const (
	ActionOn  CommandAction = "ON"
	ActionOff CommandAction = "OFF"
)

// IsOn reports the pin state the action drives toward.
func (a CommandAction) IsOn() bool {
	return a == ActionOn
}

// Command is a single intended switch action on a single device at a
// specific minute. Created by the planner, claimed and published by the
// dispatcher, closed by the ACK consumer or the timeout sweeper.
type Command struct {
	CommandID         uuid.UUID
	DeviceID          int64
	MicrocontrollerID int64
	SlotID            int64
	Action            CommandAction
	MinuteKey         time.Time
	Status            CommandStatus
	Attempt           int
	AckDeadlineAt     *time.Time
	NextAttemptAt     *time.Time
	TriggerReason     string
	MeasuredValue     *float64
	MeasuredUnit      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DispatchEntry is a claimed command joined with the routing fields the
// publisher needs to build the transport subject and payload.
type DispatchEntry struct {
	Command
	DeviceUUID          string
	DeviceNumber        int
	DeviceMode          DeviceMode
	MicrocontrollerUUID string
}
