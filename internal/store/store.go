// Package store owns the Postgres schema and every query the scheduling
// workers run. All mutations go through InTx so a transaction either commits
// whole or leaves no trace; claim queries lock rows with SKIP LOCKED so
// process replicas never block each other.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartlabs/smart-schedulers/internal/domain"
)

// Exporter mirrors committed audit events to an external sink. Export must
// not block; failures are the exporter's to log and count.
type Exporter interface {
	Export(ctx context.Context, event domain.DeviceEvent)
}

// Querier is the transactional query surface handed to InTx callbacks. The
// workers program against this interface; tests substitute fakes.
type Querier interface {
	FetchDueEntries(ctx context.Context, day domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.DueEntry, error)
	FetchEndEntries(ctx context.Context, day domain.DayOfWeek, hhmm string, limit, offset int) ([]domain.DueEntry, error)
	GetProvider(ctx context.Context, id int64) (*domain.Provider, error)
	GetLatestMeasurement(ctx context.Context, providerID int64) (*domain.Measurement, error)

	EnqueueCommand(ctx context.Context, p EnqueueParams) (bool, error)
	ClaimPendingForDispatch(ctx context.Context, p ClaimParams) ([]domain.DispatchEntry, error)
	MarkPublishFailure(ctx context.Context, p PublishFailureParams) (*domain.Command, error)
	MarkAck(ctx context.Context, commandID uuid.UUID, transportOK bool, now time.Time) (*domain.Command, bool, error)
	ClaimTimeouts(ctx context.Context, now time.Time, limit int) ([]domain.Command, error)

	UpdateDeviceState(ctx context.Context, deviceID int64, isOn bool, changedAt time.Time) error
	CreateDeviceEvent(ctx context.Context, p DeviceEventParams) error
}

type Config struct {
	Logger      *slog.Logger
	DatabaseURL string

	// Exporter receives every audit event written through CreateDeviceEvent
	// after its transaction commits. Optional.
	Exporter Exporter
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("database url is required")
	}
	return nil
}

type Store struct {
	log      *slog.Logger
	pool     *pgxpool.Pool
	exporter Exporter
}

func New(ctx context.Context, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{
		log:      cfg.Logger,
		pool:     pool,
		exporter: cfg.Exporter,
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// InTx runs fn inside one transaction. An error from fn rolls everything
// back and is returned unwrapped so callers can match sentinel errors.
// Audit events written during the transaction reach the exporter only after
// a successful commit.
func (s *Store) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	q := &queries{tx: tx}
	if err := fn(q); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.exporter != nil {
		for _, event := range q.committed {
			s.exporter.Export(ctx, event)
		}
	}
	return nil
}

// queries is the pgx-backed Querier. It exists only inside an InTx callback.
type queries struct {
	tx pgx.Tx

	// audit events written in this transaction, exported on commit
	committed []domain.DeviceEvent
}

var _ Querier = (*queries)(nil)
