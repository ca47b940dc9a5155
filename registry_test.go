package coop

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spawnFailing spawns a task that fails, discarding the handle.
func spawnFailing(s *Scheduler, name string, err error) {
	Spawn(s, func(ctx context.Context) (int, error) {
		return 0, err
	}, WithTaskName(name))
}

// collectUnobserved drives s, collecting garbage between iterations, until
// want failures have been reported.
func collectUnobserved(t *testing.T, s *Scheduler, reported *[]UnobservedFailure, want int) {
	t.Helper()
	for range 100 {
		runtime.GC()
		_, err := RunUntilComplete(testContext(t), s, Value(0))
		require.NoError(t, err)
		if len(*reported) >= want {
			return
		}
	}
	t.Fatalf("expected %d unobserved failures, got %d", want, len(*reported))
}

func TestRegistry_reportsCollectedTask(t *testing.T) {
	var reported []UnobservedFailure
	s := newTestScheduler(t, WithUnobservedFailureHandler(func(f UnobservedFailure) {
		reported = append(reported, f)
	}))

	boom := errors.New("boom")
	spawnFailing(s, "orphan", boom)

	collectUnobserved(t, s, &reported, 1)

	require.Len(t, reported, 1)
	assert.Equal(t, "orphan", reported[0].Name)
	assert.True(t, reported[0].Task)
	require.ErrorIs(t, reported[0].Err, boom)
	assert.Zero(t, s.Stats().Tracked)
}

func TestRegistry_observedNotReported(t *testing.T) {
	var reported []UnobservedFailure
	s := newTestScheduler(t, WithUnobservedFailureHandler(func(f UnobservedFailure) {
		reported = append(reported, f)
	}))

	task := Spawn(s, func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	_, err := RunUntilComplete(testContext(t), s, FromTask(task))
	require.Error(t, err)

	// cancellation is never reported
	cancelled := Spawn(s, func(ctx context.Context) (int, error) {
		return 0, errors.New("unreachable")
	})
	cancelled.Cancel()

	spawnFailing(s, "sentinel", errors.New("sentinel"))

	collectUnobserved(t, s, &reported, 1)
	require.NoError(t, s.Close())

	require.Len(t, reported, 1)
	assert.Equal(t, "sentinel", reported[0].Name)
}

func TestRegistry_shutdownReportsFailedFuture(t *testing.T) {
	var reported []UnobservedFailure
	s := newTestScheduler(t, WithUnobservedFailureHandler(func(f UnobservedFailure) {
		reported = append(reported, f)
	}))

	failed := NewFuture[int](s)
	require.NoError(t, failed.Fail(errors.New("boom")))

	pending := NewFuture[int](s)

	observed := NewFuture[int](s)
	require.NoError(t, observed.Fail(errors.New("observed")))
	_, err := observed.Result()
	require.Error(t, err)

	require.NoError(t, s.Close())

	require.Len(t, reported, 1)
	assert.Equal(t, "future", reported[0].Name)
	assert.False(t, reported[0].Task)
	assert.Equal(t, failed.c.id, reported[0].ID)

	// pending futures are cancelled, which is not reported
	_, err = pending.Result()
	require.ErrorIs(t, err, ErrSchedulerClosed)

	runtime.KeepAlive(failed)
	runtime.KeepAlive(observed)
}

func TestRegistry_trackingDisabled(t *testing.T) {
	var reported []UnobservedFailure
	s := newTestScheduler(t,
		WithUnobservedFailureTracking(false),
		WithUnobservedFailureHandler(func(f UnobservedFailure) {
			reported = append(reported, f)
		}),
	)

	f := NewFuture[int](s)
	require.NoError(t, f.Fail(errors.New("boom")))
	require.NoError(t, s.Close())

	assert.Empty(t, reported)
	runtime.KeepAlive(f)
}

func TestRegistry_compact(t *testing.T) {
	r := newRegistry()
	s := &Scheduler{}

	cells := make([]*cell, 300)
	for i := range cells {
		cells[i] = &cell{s: s, id: uint64(i + 1)}
		cells[i].status = cellResolved
		r.trackLocked(cells[i], func() bool { return true })
	}
	require.Equal(t, 300, r.len())

	for range 300 / 20 {
		_ = r.scavengeLocked(20, nil)
	}

	assert.Zero(t, r.len())
	assert.Empty(t, r.ring)
}
