package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

func TestSubjects(t *testing.T) {
	t.Parallel()

	require.Equal(t, "iot.8f14e45f-ea12-4272-b9a5-8f7b1e2a9c11.command.device.command",
		CommandSubject("iot", "8f14e45f-ea12-4272-b9a5-8f7b1e2a9c11"))
	require.Equal(t, "iot.8f14e45f-ea12-4272-b9a5-8f7b1e2a9c11.command.device.command.ack",
		AckSubject("iot", "8f14e45f-ea12-4272-b9a5-8f7b1e2a9c11"))
	require.Equal(t, "iot.*.command.device.command.ack", AckWildcard("iot"))
}

func TestNewCommandEnvelope(t *testing.T) {
	t.Parallel()

	commandID := uuid.MustParse("0b91f1a2-0a6e-4a3f-9a93-3f2f44f0f001")
	entry := domain.DispatchEntry{
		Command: domain.Command{
			CommandID: commandID,
			DeviceID:  42,
			Action:    domain.ActionOn,
		},
		DeviceUUID:          "d6c8f803-74a1-4c5b-9b10-0a4b8a3f0f77",
		DeviceNumber:        3,
		DeviceMode:          domain.DeviceModeSchedule,
		MicrocontrollerUUID: "8f14e45f-ea12-4272-b9a5-8f7b1e2a9c11",
	}
	now := time.Date(2025, 3, 10, 8, 0, 1, 500_000_000, time.UTC)

	env := NewCommandEnvelope("iot", entry, now)

	require.Equal(t, "iot.8f14e45f-ea12-4272-b9a5-8f7b1e2a9c11.command.device.command", env.Subject)
	require.Equal(t, env.Subject+".ack", env.AckSubject)
	require.Equal(t, "device.command", env.EventType)
	require.Equal(t, "smart-schedulers", env.Source)
	require.Equal(t, "microcontroller", env.EntityType)
	require.Equal(t, entry.MicrocontrollerUUID, env.EntityID)
	require.Equal(t, "2025-03-10T08:00:01.5Z", env.Timestamp)
	require.Equal(t, "1", env.DataVersion)
	require.Regexp(t, `^[0-9a-f]{32}$`, env.EventID, "event id is dashless hex")

	require.Equal(t, int64(42), env.Data.DeviceID)
	require.Equal(t, entry.DeviceUUID, env.Data.DeviceUUID)
	require.Equal(t, 3, env.Data.DeviceNumber)
	require.Equal(t, "SCHEDULE", env.Data.Mode)
	require.Equal(t, "ON", env.Data.Command)
	require.True(t, env.Data.IsOn)
	require.Equal(t, commandID.String(), env.Data.CommandID)

	// Every publish attempt gets a fresh event id, the command id is stable.
	again := NewCommandEnvelope("iot", entry, now)
	require.NotEqual(t, env.EventID, again.EventID)
	require.Equal(t, env.Data.CommandID, again.Data.CommandID)

	payload, err := json.Marshal(env)
	require.NoError(t, err)
	for _, field := range []string{
		`"subject"`, `"event_type"`, `"event_id"`, `"source"`, `"entity_type"`,
		`"entity_id"`, `"timestamp"`, `"data_version"`, `"data"`, `"ack_subject"`,
		`"device_id"`, `"device_uuid"`, `"device_number"`, `"mode"`, `"command"`,
		`"is_on"`, `"command_id"`,
	} {
		require.Contains(t, string(payload), field)
	}
}

func TestParseAck(t *testing.T) {
	t.Parallel()

	commandID := uuid.MustParse("0b91f1a2-0a6e-4a3f-9a93-3f2f44f0f001")

	tests := []struct {
		name      string
		payload   string
		wantOK    bool
		wantState *bool
		wantErr   string
	}{
		{
			name:    "ok with actual state",
			payload: `{"data":{"command_id":"` + commandID.String() + `","ok":true,"actual_state":true}}`,
			wantOK:  true, wantState: boolPtr(true),
		},
		{
			name:    "falls back to is_on",
			payload: `{"data":{"command_id":"` + commandID.String() + `","ok":true,"is_on":false}}`,
			wantOK:  true, wantState: boolPtr(false),
		},
		{
			name:    "actual_state wins over is_on",
			payload: `{"data":{"command_id":"` + commandID.String() + `","ok":true,"actual_state":false,"is_on":true}}`,
			wantOK:  true, wantState: boolPtr(false),
		},
		{
			name:    "mistyped actual_state falls through to is_on",
			payload: `{"data":{"command_id":"` + commandID.String() + `","ok":true,"actual_state":"on","is_on":true}}`,
			wantOK:  true, wantState: boolPtr(true),
		},
		{
			name:    "missing ok reads as failure",
			payload: `{"data":{"command_id":"` + commandID.String() + `"}}`,
			wantOK:  false, wantState: nil,
		},
		{
			name:    "mistyped ok reads as failure",
			payload: `{"data":{"command_id":"` + commandID.String() + `","ok":"yes"}}`,
			wantOK:  false, wantState: nil,
		},
		{
			name:    "missing data",
			payload: `{}`,
			wantErr: "no command_id",
		},
		{
			name:    "missing command_id",
			payload: `{"data":{"ok":true}}`,
			wantErr: "no command_id",
		},
		{
			name:    "invalid command_id",
			payload: `{"data":{"command_id":"not-a-uuid","ok":true}}`,
			wantErr: "invalid command_id",
		},
		{
			name:    "not json",
			payload: `}{`,
			wantErr: "failed to decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := ParseAck([]byte(tt.payload))
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, commandID, msg.CommandID)
			require.Equal(t, tt.wantOK, msg.OK)
			if tt.wantState == nil {
				require.Nil(t, msg.State)
			} else {
				require.NotNil(t, msg.State)
				require.Equal(t, *tt.wantState, *msg.State)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
