// Package ack correlates inbound acknowledgment messages to outstanding
// commands and applies their terminal state.
//
// Every replica subscribes to the full ack wildcard, so each message may be
// handled more than once across the fleet. mark_ack closes a command exactly
// once, which makes the duplicates no-ops.
package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/smartlabs/smart-schedulers/internal/bus"
	"github.com/smartlabs/smart-schedulers/internal/domain"
	"github.com/smartlabs/smart-schedulers/internal/metrics"
	"github.com/smartlabs/smart-schedulers/internal/store"
)

// Subscription is the live ack subscription. Drain flushes buffered messages
// before tearing it down.
type Subscription interface {
	Drain() error
}

// Bus provides the ack subscription. Implementations invoke the handler from
// the transport's receive goroutine, one payload at a time.
type Bus interface {
	SubscribeAcks(handler func(payload []byte)) (Subscription, error)
}

// DB runs a function inside one transaction.
type DB interface {
	InTx(ctx context.Context, fn func(q store.Querier) error) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     DB
	Bus    Bus
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Bus == nil {
		return errors.New("bus is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Consumer applies ack messages to commands and to device runtime state.
type Consumer struct {
	log   *slog.Logger
	clock clockwork.Clock
	db    DB
	bus   Bus
}

func New(cfg *Config) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ack consumer config: %w", err)
	}
	return &Consumer{
		log:   cfg.Logger.With("component", "ack-consumer"),
		clock: cfg.Clock,
		db:    cfg.DB,
		bus:   cfg.Bus,
	}, nil
}

// Run subscribes and blocks until the context is cancelled, then drains the
// subscription so in-flight messages finish.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.bus.SubscribeAcks(func(payload []byte) {
		c.Handle(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to acks: %w", err)
	}
	c.log.Info("Ack consumer started")

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		c.log.Warn("Failed to drain ack subscription", "error", err)
	}
	c.log.Info("Ack consumer stopped")
	return nil
}

// Handle applies one raw ack payload. Malformed payloads and acks for unknown
// or already closed commands are dropped; nothing here returns an error to
// the transport because there is no redelivery to ask for.
func (c *Consumer) Handle(ctx context.Context, payload []byte) {
	msg, err := bus.ParseAck(payload)
	if err != nil {
		metrics.AckMessages.WithLabelValues("invalid").Inc()
		c.log.Warn("Dropping unparseable ack", "error", err)
		return
	}
	now := c.clock.Now().UTC()

	var (
		cmd     *domain.Command
		changed bool
	)
	err = c.db.InTx(ctx, func(q store.Querier) error {
		var err error
		cmd, changed, err = q.MarkAck(ctx, msg.CommandID, msg.OK, now)
		if err != nil {
			return err
		}
		if cmd == nil || !changed {
			return nil
		}
		if cmd.Status == domain.CommandAckOK && msg.State != nil {
			if err := q.UpdateDeviceState(ctx, cmd.DeviceID, *msg.State, now); err != nil {
				return err
			}
		}
		return q.CreateDeviceEvent(ctx, store.DeviceEventParams{
			DeviceID:      cmd.DeviceID,
			EventName:     eventNameForAck(cmd.Action, cmd.Status),
			TriggerReason: triggerForAck(cmd.Status),
			PinState:      msg.State,
			CreatedAt:     now,
		})
	})
	if err != nil {
		metrics.AckMessages.WithLabelValues("error").Inc()
		c.log.Error("Failed to apply ack", "command_id", msg.CommandID, "error", err)
		return
	}

	switch {
	case cmd == nil:
		metrics.AckMessages.WithLabelValues("unknown").Inc()
		c.log.Warn("Ack for unknown command", "command_id", msg.CommandID)
	case !changed:
		metrics.AckMessages.WithLabelValues("duplicate").Inc()
		c.log.Debug("Ack for already closed command", "command_id", msg.CommandID, "status", cmd.Status)
	default:
		result := "failed"
		if cmd.Status == domain.CommandAckOK {
			result = "ok"
		}
		metrics.AckMessages.WithLabelValues(result).Inc()
		c.log.Info("Ack correlated",
			"command_id", msg.CommandID,
			"status", cmd.Status,
			"transport_ok", msg.OK,
			"actual_state", msg.State,
		)
	}
}

func eventNameForAck(action domain.CommandAction, status domain.CommandStatus) domain.EventName {
	if status != domain.CommandAckOK {
		return domain.EventSchedulerAckFailed
	}
	if action == domain.ActionOn {
		return domain.EventSchedulerTriggerOn
	}
	return domain.EventDeviceOff
}

func triggerForAck(status domain.CommandStatus) string {
	if status == domain.CommandAckOK {
		return domain.TriggerAckOK
	}
	return domain.TriggerAckFailed
}
