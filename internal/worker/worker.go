// Package worker runs the scheduling workers as one supervised group.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Worker is a long-running loop that returns after its context is cancelled.
type Worker interface {
	Run(ctx context.Context) error
}

type namedWorker struct {
	name   string
	worker Worker
}

type Config struct {
	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Supervisor runs a set of named workers and classifies how each one ends,
// so an operator can alert on exits that were not asked for. One crash
// cancels the whole group; a worker that returns early without an error is
// logged loudly but does not take the others down.
type Supervisor struct {
	log     *slog.Logger
	workers []namedWorker
}

func New(cfg *Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}
	return &Supervisor{log: cfg.Logger.With("component", "supervisor")}, nil
}

// Add registers a worker under a stable name used in lifecycle logs.
func (s *Supervisor) Add(name string, w Worker) {
	s.workers = append(s.workers, namedWorker{name: name, worker: w})
}

// Run starts every registered worker and blocks until the context is
// cancelled or one of them fails. All workers have returned by the time
// Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.workers) == 0 {
		return errors.New("no workers enabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(s.workers))
	var wg sync.WaitGroup
	for _, nw := range s.workers {
		wg.Add(1)
		s.log.Info("Starting worker", "worker", nw.name)
		go func() {
			defer wg.Done()
			err := nw.worker.Run(runCtx)
			switch {
			case err != nil && runCtx.Err() == nil:
				s.log.Error("Worker crashed", "worker", nw.name, "error", err)
				errCh <- fmt.Errorf("failed to run %s: %w", nw.name, err)
			case err != nil:
				s.log.Warn("Worker returned an error during shutdown", "worker", nw.name, "error", err)
			case runCtx.Err() != nil:
				s.log.Info("Worker stopped", "worker", nw.name)
			default:
				s.log.Warn("Worker exited unexpectedly", "worker", nw.name)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		s.log.Warn("Shutdown requested")
	case e := <-errCh:
		err = e
		cancel()
	}
	wg.Wait()
	return err
}
