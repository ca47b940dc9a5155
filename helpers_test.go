package coop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

// newTestScheduler creates a scheduler that is shut down on cleanup.
func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// run drives s until fn, spawned as a task, finishes.
func run[T any](t *testing.T, s *Scheduler, fn func(ctx context.Context) (T, error)) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return RunUntilComplete(ctx, s, Thunk(fn))
}

// runForever drives s on a new goroutine, until stopped or shut down.
func runForever(t *testing.T, s *Scheduler) <-chan error {
	t.Helper()
	ch := make(chan error, 1)
	go func() {
		ch <- s.RunForever(context.Background())
	}()
	require.Eventually(t, func() bool {
		return s.state.IsRunning()
	}, testTimeout, time.Millisecond)
	return ch
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}
