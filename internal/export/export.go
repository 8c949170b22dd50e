// Package export mirrors committed audit events to a Kafka topic.
//
// The exporter sits behind the store's commit hook: events reach it only
// after their transaction commits, and a broker outage costs log lines and
// counter bumps, never the write path.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/smartlabs/smart-schedulers/internal/domain"
	"github.com/smartlabs/smart-schedulers/internal/metrics"
)

// Producer is the async produce surface of a kafka client.
type Producer interface {
	Produce(ctx context.Context, record *kgo.Record, fn func(*kgo.Record, error))
}

type Config struct {
	Logger  *slog.Logger
	Brokers []string
	Topic   string

	Partitions  int
	Replication int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.Partitions < 1 {
		c.Partitions = 1
	}
	if c.Replication < 1 {
		c.Replication = 1
	}
	return nil
}

// Exporter produces one record per audit event, keyed by device id so a
// device's events stay ordered within a partition.
type Exporter struct {
	log      *slog.Logger
	client   *kgo.Client
	producer Producer
	topic    string
}

func New(ctx context.Context, cfg *Config) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exporter config: %w", err)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := ensureTopic(ctx, client, cfg.Topic, cfg.Partitions, cfg.Replication); err != nil {
		client.Close()
		return nil, err
	}

	return &Exporter{
		log:      cfg.Logger.With("component", "export"),
		client:   client,
		producer: client,
		topic:    cfg.Topic,
	}, nil
}

func (e *Exporter) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions, replication int) error {
	adm := kadm.NewClient(client)
	_, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, topic)
	if err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("failed to create topic %q: %w", topic, err)
	}
	return nil
}

type exportEvent struct {
	DeviceID      int64    `json:"device_id"`
	EventType     string   `json:"event_type"`
	EventName     string   `json:"event_name"`
	DeviceState   *string  `json:"device_state,omitempty"`
	PinState      *bool    `json:"pin_state,omitempty"`
	MeasuredValue *float64 `json:"measured_value,omitempty"`
	MeasuredUnit  *string  `json:"measured_unit,omitempty"`
	TriggerReason *string  `json:"trigger_reason,omitempty"`
	Source        *string  `json:"source,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

// Export produces one event asynchronously. It satisfies store.Exporter.
func (e *Exporter) Export(ctx context.Context, event domain.DeviceEvent) {
	payload, err := json.Marshal(exportEvent{
		DeviceID:      event.DeviceID,
		EventType:     string(event.EventType),
		EventName:     string(event.EventName),
		DeviceState:   event.DeviceState,
		PinState:      event.PinState,
		MeasuredValue: event.MeasuredValue,
		MeasuredUnit:  event.MeasuredUnit,
		TriggerReason: event.TriggerReason,
		Source:        event.Source,
		CreatedAt:     event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		metrics.ExportOutcomes.WithLabelValues("error").Inc()
		e.log.Error("Failed to encode audit event", "error", err, "device_id", event.DeviceID)
		return
	}

	rec := &kgo.Record{
		Topic: e.topic,
		Key:   []byte(strconv.FormatInt(event.DeviceID, 10)),
		Value: payload,
	}
	e.producer.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			metrics.ExportOutcomes.WithLabelValues("error").Inc()
			e.log.Error("Failed to export audit event",
				"error", err, "topic", r.Topic, "device_id", event.DeviceID,
			)
			return
		}
		metrics.ExportOutcomes.WithLabelValues("ok").Inc()
		e.log.Debug("Exported audit event",
			"topic", r.Topic, "partition", r.Partition, "offset", r.Offset,
			"event_name", event.EventName,
		)
	})
}
