// Package bus carries device commands to microcontrollers over NATS and
// brings their acks back. Commands go through JetStream so a microcontroller
// that reconnects still receives what was published while it was away; acks
// come back over plain subscriptions.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

type Config struct {
	Logger     *slog.Logger
	URL        string
	StreamName string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("nats url is required")
	}
	if c.StreamName == "" {
		return errors.New("stream name is required")
	}
	return nil
}

type Bus struct {
	log    *slog.Logger
	conn   *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// New connects to NATS, retrying the initial dial with exponential backoff
// until ctx is cancelled, and makes sure the command stream exists.
func New(ctx context.Context, cfg *Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bus config: %w", err)
	}
	log := cfg.Logger.With("component", "bus")

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		if attempt > 1 {
			log.Warn("Failed to connect to NATS, retrying", "attempt", attempt, "url", cfg.URL)
		}
		attempt++
		return nats.Connect(cfg.URL,
			nats.Name(domain.ServiceName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	b := &Bus{log: log, conn: conn, js: js, stream: cfg.StreamName}
	if err := b.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info("Connected to NATS", "url", conn.ConnectedUrl(), "stream", cfg.StreamName)
	return b, nil
}

// ensureStream creates the command stream when it does not exist yet. All
// replicas race on this at startup; creation is idempotent.
func (b *Bus) ensureStream() error {
	_, err := b.js.StreamInfo(b.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %q: %w", b.stream, err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     b.stream,
		Subjects: []string{b.stream + ".>"},
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %q: %w", b.stream, err)
	}
	b.log.Info("Created command stream", "stream", b.stream)
	return nil
}

// PublishCommand publishes one command envelope and waits for the JetStream
// publish ack, so a returned nil means the broker has the message.
func (b *Bus) PublishCommand(ctx context.Context, env CommandEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode command envelope: %w", err)
	}
	if _, err := b.js.Publish(env.Subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish command to %s: %w", env.Subject, err)
	}
	return nil
}

// SubscribeAcks delivers every firmware ack payload to handler. Each replica
// sees every ack; the command table's terminal-once transition keeps the
// duplicates harmless.
func (b *Bus) SubscribeAcks(handler func(payload []byte)) (*nats.Subscription, error) {
	subject := AckWildcard(b.stream)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.log.Info("Subscribed to command acks", "subject", subject)
	return sub, nil
}

// Close drains in-flight messages before dropping the connection.
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("Failed to drain NATS connection", "error", err)
	}
}
