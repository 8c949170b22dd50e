package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/smartlabs/smart-schedulers/internal/ack"
	"github.com/smartlabs/smart-schedulers/internal/bus"
	"github.com/smartlabs/smart-schedulers/internal/config"
	"github.com/smartlabs/smart-schedulers/internal/dispatch"
	"github.com/smartlabs/smart-schedulers/internal/export"
	"github.com/smartlabs/smart-schedulers/internal/idempotency"
	"github.com/smartlabs/smart-schedulers/internal/metrics"
	"github.com/smartlabs/smart-schedulers/internal/planner"
	"github.com/smartlabs/smart-schedulers/internal/store"
	"github.com/smartlabs/smart-schedulers/internal/sweeper"
	"github.com/smartlabs/smart-schedulers/internal/worker"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	log.Info("Starting smart-schedulers",
		"version", version,
		"commit", commit,
		"pid", os.Getpid(),
		"workers", cfg.WorkersEnabled(),
	)
	log.Debug("Configuration loaded",
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL,
		"stream_name", cfg.StreamName,
		"kafka_brokers", len(cfg.KafkaBrokers),
		"kafka_topic", cfg.KafkaTopic,
		"planner_batch_size", cfg.PlannerBatchSize,
		"idempotency_ttl", cfg.IdempotencyTTL,
		"ack_timeout", cfg.AckTimeout,
		"max_concurrency", cfg.MaxConcurrency,
		"dispatch_batch_size", cfg.DispatchBatchSize,
		"dispatch_poll_interval", cfg.DispatchPollInterval,
		"sweep_interval", cfg.SweepInterval,
	)

	// Start prometheus metrics server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var exporter store.Exporter
	if len(cfg.KafkaBrokers) > 0 {
		kafkaExporter, err := export.New(ctx, &export.Config{
			Logger:  log,
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka exporter: %w", err)
		}
		defer kafkaExporter.Close()
		exporter = kafkaExporter
		log.Info("Audit-event export enabled", "topic", cfg.KafkaTopic)
	}

	st, err := store.New(ctx, &store.Config{
		Logger:      log,
		DatabaseURL: cfg.DatabaseURL,
		Exporter:    exporter,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	sup, err := worker.New(&worker.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	if cfg.EnablePlanner {
		idem, err := idempotency.New(&idempotency.Config{
			Logger: log,
			Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			TTL:    cfg.IdempotencyTTL,
			Prefix: cfg.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create idempotency store: %w", err)
		}
		defer idem.Close()

		p, err := planner.New(&planner.Config{
			Logger:      log,
			DB:          st,
			Idempotency: idem,
			BatchSize:   cfg.PlannerBatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to create planner: %w", err)
		}
		sup.Add("planner", p)
	}

	if cfg.EnableDispatcher || cfg.EnableAckConsumer {
		natsBus, err := bus.New(ctx, &bus.Config{
			Logger:     log,
			URL:        cfg.NATSURL,
			StreamName: cfg.StreamName,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer natsBus.Close()

		if cfg.EnableDispatcher {
			d, err := dispatch.New(&dispatch.Config{
				Logger:                        log,
				DB:                            st,
				Publisher:                     natsBus,
				StreamName:                    cfg.StreamName,
				BatchSize:                     cfg.DispatchBatchSize,
				PollInterval:                  cfg.DispatchPollInterval,
				AckTimeout:                    cfg.AckTimeout,
				MaxRetry:                      cfg.DispatchMaxRetry,
				RetryBackoff:                  cfg.RetryBackoff,
				RetryJitter:                   cfg.RetryJitter,
				MaxInflightPerMicrocontroller: cfg.MaxInflightPerMicrocontroller,
				MaxConcurrency:                cfg.MaxConcurrency,
			})
			if err != nil {
				return fmt.Errorf("failed to create dispatcher: %w", err)
			}
			sup.Add("dispatcher", d)
		}

		if cfg.EnableAckConsumer {
			consumer, err := ack.New(&ack.Config{
				Logger: log,
				DB:     st,
				Bus:    ackBus{natsBus},
			})
			if err != nil {
				return fmt.Errorf("failed to create ack consumer: %w", err)
			}
			sup.Add("ack-consumer", consumer)
		}
	}

	if cfg.EnableTimeoutSweeper {
		s, err := sweeper.New(&sweeper.Config{
			Logger:    log,
			DB:        st,
			Interval:  cfg.SweepInterval,
			BatchSize: cfg.SweepBatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to create timeout sweeper: %w", err)
		}
		sup.Add("timeout-sweeper", s)
	}

	err = sup.Run(ctx)
	log.Info("Shutdown complete")
	return err
}

// ackBus narrows the nats bus to the ack consumer's subscription interface.
type ackBus struct {
	bus *bus.Bus
}

func (a ackBus) SubscribeAcks(handler func(payload []byte)) (ack.Subscription, error) {
	return a.bus.SubscribeAcks(handler)
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
