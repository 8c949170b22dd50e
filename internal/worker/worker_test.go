package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	err  error // returned immediately when set
	exit bool  // return nil immediately when set

	started atomic.Bool
	stopped atomic.Bool
}

func (f *fakeWorker) Run(ctx context.Context) error {
	f.started.Store(true)
	if f.err != nil {
		return f.err
	}
	if f.exit {
		return nil
	}
	<-ctx.Done()
	f.stopped.Store(true)
	return nil
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := New(&Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	return s
}

func TestSupervisor_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{})
	require.ErrorContains(t, err, "logger is required")
}

func TestSupervisor_NoWorkers(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(t)
	require.ErrorContains(t, s.Run(context.Background()), "no workers enabled")
}

func TestSupervisor_StopsAllWorkersOnCancel(t *testing.T) {
	t.Parallel()

	first := &fakeWorker{}
	second := &fakeWorker{}
	s := newTestSupervisor(t)
	s.Add("planner", first)
	s.Add("dispatcher", second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return first.started.Load() && second.started.Load()
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.True(t, first.stopped.Load())
	require.True(t, second.stopped.Load())
}

func TestSupervisor_CrashTakesGroupDown(t *testing.T) {
	t.Parallel()

	crashing := &fakeWorker{err: errors.New("connection refused")}
	blocking := &fakeWorker{}
	s := newTestSupervisor(t)
	s.Add("planner", crashing)
	s.Add("dispatcher", blocking)

	err := s.Run(context.Background())
	require.ErrorContains(t, err, "failed to run planner")
	require.ErrorContains(t, err, "connection refused")
	require.True(t, blocking.stopped.Load(), "the healthy worker was cancelled")
}

func TestSupervisor_EarlyExitDoesNotStopGroup(t *testing.T) {
	t.Parallel()

	early := &fakeWorker{exit: true}
	blocking := &fakeWorker{}
	s := newTestSupervisor(t)
	s.Add("sweeper", early)
	s.Add("dispatcher", blocking)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return early.started.Load() }, time.Second, 10*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("supervisor stopped after a clean early exit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
	require.True(t, blocking.stopped.Load())
}
