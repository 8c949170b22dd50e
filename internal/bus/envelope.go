package bus

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

// EventTypeDeviceCommand tags outbound command envelopes.
const EventTypeDeviceCommand = "device.command"

// CommandSubject is the per-microcontroller subject a command is published
// on. Firmware subscribes to its own microcontroller UUID.
func CommandSubject(stream, mcUUID string) string {
	return fmt.Sprintf("%s.%s.command.%s", stream, mcUUID, EventTypeDeviceCommand)
}

// AckSubject is where firmware reports the outcome of one command.
func AckSubject(stream, mcUUID string) string {
	return CommandSubject(stream, mcUUID) + ".ack"
}

// AckWildcard matches the ack subjects of every microcontroller.
func AckWildcard(stream string) string {
	return fmt.Sprintf("%s.*.command.%s.ack", stream, EventTypeDeviceCommand)
}

// CommandEnvelope is the wire form of one device command.
type CommandEnvelope struct {
	Subject     string      `json:"subject"`
	EventType   string      `json:"event_type"`
	EventID     string      `json:"event_id"`
	Source      string      `json:"source"`
	EntityType  string      `json:"entity_type"`
	EntityID    string      `json:"entity_id"`
	Timestamp   string      `json:"timestamp"`
	DataVersion string      `json:"data_version"`
	Data        CommandData `json:"data"`
	AckSubject  string      `json:"ack_subject"`
}

type CommandData struct {
	DeviceID     int64  `json:"device_id"`
	DeviceUUID   string `json:"device_uuid"`
	DeviceNumber int    `json:"device_number"`
	Mode         string `json:"mode"`
	Command      string `json:"command"`
	IsOn         bool   `json:"is_on"`
	CommandID    string `json:"command_id"`
}

// NewCommandEnvelope builds the envelope for one claimed command. The event
// id is a fresh 32-char hex token per publish attempt, while data.command_id
// stays stable across retries so firmware can dedup.
func NewCommandEnvelope(stream string, entry domain.DispatchEntry, now time.Time) CommandEnvelope {
	subject := CommandSubject(stream, entry.MicrocontrollerUUID)
	eventID := uuid.New()
	return CommandEnvelope{
		Subject:     subject,
		EventType:   EventTypeDeviceCommand,
		EventID:     hex.EncodeToString(eventID[:]),
		Source:      domain.ServiceName,
		EntityType:  "microcontroller",
		EntityID:    entry.MicrocontrollerUUID,
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		DataVersion: "1",
		Data: CommandData{
			DeviceID:     entry.DeviceID,
			DeviceUUID:   entry.DeviceUUID,
			DeviceNumber: entry.DeviceNumber,
			Mode:         string(entry.DeviceMode),
			Command:      string(entry.Action),
			IsOn:         entry.Action.IsOn(),
			CommandID:    entry.CommandID.String(),
		},
		AckSubject: subject + ".ack",
	}
}

// AckMessage is one parsed firmware ack.
type AckMessage struct {
	CommandID uuid.UUID
	// OK reports whether the firmware accepted and executed the command.
	OK bool
	// State is the pin state the firmware reported, when it reported one.
	State *bool
}

var errMissingCommandID = errors.New("ack payload has no command_id")

// ParseAck decodes an inbound ack payload. Field values of unexpected types
// are ignored rather than failing the whole message: a missing or mistyped
// ok reads as false, a mistyped actual_state falls back to is_on.
func ParseAck(payload []byte) (*AckMessage, error) {
	var raw struct {
		Data struct {
			CommandID   string          `json:"command_id"`
			OK          json.RawMessage `json:"ok"`
			ActualState json.RawMessage `json:"actual_state"`
			IsOn        json.RawMessage `json:"is_on"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode ack payload: %w", err)
	}
	if raw.Data.CommandID == "" {
		return nil, errMissingCommandID
	}
	commandID, err := uuid.Parse(raw.Data.CommandID)
	if err != nil {
		return nil, fmt.Errorf("invalid command_id %q: %w", raw.Data.CommandID, err)
	}

	msg := &AckMessage{CommandID: commandID}
	if ok, valid := asBool(raw.Data.OK); valid {
		msg.OK = ok
	}
	if state, valid := asBool(raw.Data.ActualState); valid {
		msg.State = &state
	} else if state, valid := asBool(raw.Data.IsOn); valid {
		msg.State = &state
	}
	return msg, nil
}

func asBool(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}
