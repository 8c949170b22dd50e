package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

const commandColumns = `command_id::text, device_id, microcontroller_id, slot_id, action,
	minute_key, status, attempt, ack_deadline_at, next_attempt_at, trigger_reason,
	measured_value, measured_unit, created_at, updated_at`

type EnqueueParams struct {
	Entry         domain.DueEntry
	Action        domain.CommandAction
	MinuteKey     time.Time
	TriggerReason string
	MeasuredValue *float64
	MeasuredUnit  *string
	Now           time.Time
}

// EnqueueCommand inserts a PENDING command. It reports false when an open
// command for the same (device, slot, minute, action) already exists; the
// partial unique index arbitrates, so concurrent planners cannot double
// insert.
func (q *queries) EnqueueCommand(ctx context.Context, p EnqueueParams) (bool, error) {
	tag, err := q.tx.Exec(ctx,
		`INSERT INTO scheduler_commands (
			command_id, device_id, microcontroller_id, slot_id, action, minute_key,
			status, attempt, trigger_reason, measured_value, measured_unit, created_at, updated_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $11)
		ON CONFLICT (device_id, slot_id, minute_key, action)
			WHERE status IN ('PENDING','IN_FLIGHT','PENDING_RETRY')
		DO NOTHING`,
		uuid.New().String(),
		p.Entry.DeviceID,
		p.Entry.MicrocontrollerID,
		p.Entry.SlotID,
		p.Action,
		p.MinuteKey,
		domain.CommandPending,
		p.TriggerReason,
		p.MeasuredValue,
		p.MeasuredUnit,
		p.Now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue command for device %d slot %d: %w", p.Entry.DeviceID, p.Entry.SlotID, err)
	}
	return tag.RowsAffected() == 1, nil
}

type ClaimParams struct {
	Limit                         int
	Now                           time.Time
	AckTimeout                    time.Duration
	MaxInflightPerMicrocontroller int
}

// ClaimPendingForDispatch moves due PENDING/PENDING_RETRY commands to
// IN_FLIGHT and returns them joined with the routing fields the publisher
// needs. Candidates are ordered by (next_attempt_at NULLS FIRST, command_id)
// and locked with SKIP LOCKED; rows beyond a microcontroller's inflight cap
// are left for a later pass.
func (q *queries) ClaimPendingForDispatch(ctx context.Context, p ClaimParams) ([]domain.DispatchEntry, error) {
	inflight, err := q.inflightCounts(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.tx.Query(ctx,
		`SELECT c.command_id::text, c.device_id, c.microcontroller_id, c.slot_id, c.action,
			c.minute_key, c.status, c.attempt, c.ack_deadline_at, c.next_attempt_at, c.trigger_reason,
			c.measured_value, c.measured_unit, c.created_at, c.updated_at,
			d.uuid::text, d.device_number, d.mode, m.uuid::text
		 FROM scheduler_commands c
		 JOIN devices d ON d.id = c.device_id
		 JOIN microcontrollers m ON m.id = c.microcontroller_id
		 WHERE c.status IN ('PENDING','PENDING_RETRY')
		   AND (c.next_attempt_at IS NULL OR c.next_attempt_at <= $1)
		 ORDER BY c.next_attempt_at ASC NULLS FIRST, c.command_id ASC
		 LIMIT $2
		 FOR UPDATE OF c SKIP LOCKED`,
		p.Now, p.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select dispatch candidates: %w", err)
	}
	defer rows.Close()

	var selected []domain.DispatchEntry
	var selectedIDs []string
	for rows.Next() {
		var e domain.DispatchEntry
		var id string
		if err := rows.Scan(
			&id, &e.DeviceID, &e.MicrocontrollerID, &e.SlotID, &e.Action,
			&e.MinuteKey, &e.Status, &e.Attempt, &e.AckDeadlineAt, &e.NextAttemptAt, &e.TriggerReason,
			&e.MeasuredValue, &e.MeasuredUnit, &e.CreatedAt, &e.UpdatedAt,
			&e.DeviceUUID, &e.DeviceNumber, &e.DeviceMode, &e.MicrocontrollerUUID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch candidate: %w", err)
		}
		if e.CommandID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse command id %q: %w", id, err)
		}
		if inflight[e.MicrocontrollerID] >= p.MaxInflightPerMicrocontroller {
			continue
		}
		inflight[e.MicrocontrollerID]++
		normalizeCommand(&e.Command)
		selected = append(selected, e)
		selectedIDs = append(selectedIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dispatch candidates: %w", err)
	}
	if len(selected) == 0 {
		return nil, nil
	}

	deadline := p.Now.Add(p.AckTimeout)
	if _, err := q.tx.Exec(ctx,
		`UPDATE scheduler_commands
		 SET status = $2, attempt = attempt + 1, ack_deadline_at = $3,
		     next_attempt_at = NULL, updated_at = $4
		 WHERE command_id = ANY($1::uuid[])`,
		selectedIDs, domain.CommandInFlight, deadline, p.Now,
	); err != nil {
		return nil, fmt.Errorf("failed to mark commands in flight: %w", err)
	}

	for i := range selected {
		c := &selected[i].Command
		c.Status = domain.CommandInFlight
		c.Attempt++
		d := deadline
		c.AckDeadlineAt = &d
		c.NextAttemptAt = nil
		c.UpdatedAt = p.Now
	}
	return selected, nil
}

func (q *queries) inflightCounts(ctx context.Context) (map[int64]int, error) {
	rows, err := q.tx.Query(ctx,
		`SELECT microcontroller_id, COUNT(*) FROM scheduler_commands
		 WHERE status = $1 GROUP BY microcontroller_id`,
		domain.CommandInFlight,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-flight commands: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan in-flight count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

type PublishFailureParams struct {
	CommandID    uuid.UUID
	Now          time.Time
	MaxRetry     int
	RetryBackoff time.Duration
	RetryJitter  time.Duration
}

// MarkPublishFailure handles a command whose publish attempt failed. While
// attempts remain it schedules a PENDING_RETRY with jittered backoff,
// otherwise it closes the command as ACK_FAIL. Returns nil when the command
// is no longer IN_FLIGHT (for instance already failed by the sweeper).
func (q *queries) MarkPublishFailure(ctx context.Context, p PublishFailureParams) (*domain.Command, error) {
	cmd, err := q.lockCommand(ctx, `WHERE command_id = $1::uuid AND status = 'IN_FLIGHT'`, p.CommandID)
	if err != nil || cmd == nil {
		return nil, err
	}

	if cmd.Attempt < p.MaxRetry+1 {
		next := p.Now.Add(p.RetryBackoff + time.Duration(rand.Float64()*float64(p.RetryJitter)))
		if _, err := q.tx.Exec(ctx,
			`UPDATE scheduler_commands
			 SET status = $2, ack_deadline_at = NULL, next_attempt_at = $3, updated_at = $4
			 WHERE command_id = $1::uuid`,
			p.CommandID.String(), domain.CommandPendingRetry, next, p.Now,
		); err != nil {
			return nil, fmt.Errorf("failed to schedule retry for command %s: %w", p.CommandID, err)
		}
		cmd.Status = domain.CommandPendingRetry
		cmd.AckDeadlineAt = nil
		cmd.NextAttemptAt = &next
		cmd.UpdatedAt = p.Now
		return cmd, nil
	}

	if _, err := q.tx.Exec(ctx,
		`UPDATE scheduler_commands
		 SET status = $2, ack_deadline_at = NULL, next_attempt_at = NULL, updated_at = $3
		 WHERE command_id = $1::uuid`,
		p.CommandID.String(), domain.CommandAckFail, p.Now,
	); err != nil {
		return nil, fmt.Errorf("failed to fail command %s: %w", p.CommandID, err)
	}
	cmd.Status = domain.CommandAckFail
	cmd.AckDeadlineAt = nil
	cmd.NextAttemptAt = nil
	cmd.UpdatedAt = p.Now
	return cmd, nil
}

// MarkAck applies a terminal status from an acknowledgment. changed=false
// means the command is already terminal; a nil command means the id is
// unknown. Either way a repeated ack is a no-op.
func (q *queries) MarkAck(ctx context.Context, commandID uuid.UUID, transportOK bool, now time.Time) (*domain.Command, bool, error) {
	cmd, err := q.lockCommand(ctx, `WHERE command_id = $1::uuid`, commandID)
	if err != nil || cmd == nil {
		return nil, false, err
	}
	if cmd.Status.Terminal() {
		return cmd, false, nil
	}

	status := domain.CommandAckFail
	if transportOK {
		status = domain.CommandAckOK
	}
	if _, err := q.tx.Exec(ctx,
		`UPDATE scheduler_commands
		 SET status = $2, ack_deadline_at = NULL, next_attempt_at = NULL, updated_at = $3
		 WHERE command_id = $1::uuid`,
		commandID.String(), status, now,
	); err != nil {
		return nil, false, fmt.Errorf("failed to apply ack to command %s: %w", commandID, err)
	}
	cmd.Status = status
	cmd.AckDeadlineAt = nil
	cmd.NextAttemptAt = nil
	cmd.UpdatedAt = now
	return cmd, true, nil
}

// ClaimTimeouts fails IN_FLIGHT commands whose ack deadline has passed.
func (q *queries) ClaimTimeouts(ctx context.Context, now time.Time, limit int) ([]domain.Command, error) {
	rows, err := q.tx.Query(ctx,
		`UPDATE scheduler_commands
		 SET status = $3, updated_at = $1
		 WHERE command_id IN (
			SELECT command_id FROM scheduler_commands
			WHERE status = $4 AND ack_deadline_at <= $1
			ORDER BY ack_deadline_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+commandColumns,
		now, limit, domain.CommandAckFail, domain.CommandInFlight,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim timed out commands: %w", err)
	}
	defer rows.Close()

	var commands []domain.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *cmd)
	}
	return commands, rows.Err()
}

// lockCommand selects one command FOR UPDATE. Returns nil without error when
// no row matches the condition.
func (q *queries) lockCommand(ctx context.Context, where string, commandID uuid.UUID) (*domain.Command, error) {
	row := q.tx.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM scheduler_commands `+where+` FOR UPDATE`,
		commandID.String(),
	)
	cmd, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock command %s: %w", commandID, err)
	}
	return cmd, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*domain.Command, error) {
	var c domain.Command
	var id string
	if err := row.Scan(
		&id, &c.DeviceID, &c.MicrocontrollerID, &c.SlotID, &c.Action,
		&c.MinuteKey, &c.Status, &c.Attempt, &c.AckDeadlineAt, &c.NextAttemptAt, &c.TriggerReason,
		&c.MeasuredValue, &c.MeasuredUnit, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if c.CommandID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse command id %q: %w", id, err)
	}
	normalizeCommand(&c)
	return &c, nil
}

// normalizeCommand converts scanned timestamps to UTC.
func normalizeCommand(c *domain.Command) {
	c.MinuteKey = c.MinuteKey.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.AckDeadlineAt != nil {
		t := c.AckDeadlineAt.UTC()
		c.AckDeadlineAt = &t
	}
	if c.NextAttemptAt != nil {
		t := c.NextAttemptAt.UTC()
		c.NextAttemptAt = &t
	}
}
