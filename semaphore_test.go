package coop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore_bound(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore(s, 2)

	var (
		active    int
		maxActive int
		order     []int
	)
	tasks := make([]*Task[int], 6)
	for i := range tasks {
		tasks[i] = Spawn(s, func(ctx context.Context) (int, error) {
			if err := sem.Acquire(ctx); err != nil {
				return 0, err
			}
			defer sem.Release()
			active++
			maxActive = max(maxActive, active)
			order = append(order, i)
			err := Yield(ctx)
			active--
			return i, err
		})
	}

	_, err := run(t, s, func(ctx context.Context) ([]int, error) {
		return Gather(ctx, tasks...)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, maxActive)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
	assert.Equal(t, 2, sem.Value())
}

func TestSemaphore_overRelease(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore(s, 1)

	err := sem.Release()
	require.ErrorIs(t, err, ErrOverRelease)
	require.ErrorIs(t, err, ErrLogic)
	assert.Equal(t, 1, sem.Value())

	require.True(t, sem.TryAcquire())
	require.False(t, sem.TryAcquire())
	assert.Equal(t, 0, sem.Value())
	require.NoError(t, sem.Release())
	assert.Equal(t, 1, sem.Value())
}

func TestSemaphore_negative(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore(s, -3)

	assert.Equal(t, 0, sem.Value())
	assert.False(t, sem.TryAcquire())
	require.ErrorIs(t, sem.Release(), ErrOverRelease)
}

func TestSemaphore_releaseFromForeignGoroutine(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore(s, 1)
	require.True(t, sem.TryAcquire())

	waiter := Spawn(s, func(ctx context.Context) (int, error) {
		return 1, sem.Acquire(ctx)
	})
	done := runForever(t, s)

	require.Eventually(t, func() bool {
		return waiter.State() == TaskSuspended
	}, testTimeout, time.Millisecond)

	require.NoError(t, sem.Release())

	v, err := waiter.Await(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 0, sem.Value())

	s.Stop()
	require.NoError(t, <-done)
}
