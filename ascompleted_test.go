package coop

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsCompleted_order(t *testing.T) {
	s := newTestScheduler(t)

	delays := []int{5, 1, 4, 2, 3}
	tasks := make([]*Task[int], len(delays))
	for i, d := range delays {
		tasks[i] = Spawn(s, sleepThen(time.Duration(d)*2*time.Millisecond, d, nil))
	}

	var got []int
	_, err := run(t, s, func(ctx context.Context) (int, error) {
		it := AsCompleted(tasks)
		for task, err := range it.All(ctx) {
			if err != nil {
				return 0, err
			}
			v, err := task.Await(ctx)
			if err != nil {
				return 0, err
			}
			got = append(got, v)
		}
		if it.Len() != 0 {
			return 0, errors.New("expected every input to be yielded")
		}
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestAsCompleted_alreadySettled(t *testing.T) {
	s := newTestScheduler(t)

	f1 := NewFuture[int](s)
	f2 := NewFuture[int](s)
	f3 := NewFuture[int](s)
	require.NoError(t, f2.Resolve(2))
	require.NoError(t, f3.Resolve(3))
	require.NoError(t, f1.Resolve(1))

	it := AsCompleted([]*Future[int]{f1, f2, f3})
	assert.Equal(t, 3, it.Len())

	ctx := testContext(t)
	for _, want := range []*Future[int]{f2, f3, f1} {
		got, err := it.Next(ctx)
		require.NoError(t, err)
		assert.Same(t, want, got)
	}

	_, err := it.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestAsCompleted_timeout(t *testing.T) {
	s := newTestScheduler(t)

	fast := Spawn(s, sleepThen(time.Millisecond, 1, nil))
	slow := Spawn(s, sleepThen(time.Hour, 2, nil))

	_, err := run(t, s, func(ctx context.Context) (int, error) {
		it := AsCompleted([]*Task[int]{slow, fast}, WithTimeout(20*time.Millisecond))

		first, err := it.Next(ctx)
		if err != nil {
			return 0, err
		}
		if first != fast {
			return 0, errors.New("expected the fast task first")
		}

		_, err = it.Next(ctx)
		var timeoutErr *TimeoutError
		if !errors.As(err, &timeoutErr) || timeoutErr.Op != "AsCompleted" {
			return 0, errors.New("expected a timeout")
		}

		// sticky
		_, again := it.Next(ctx)
		if again != err {
			return 0, errors.New("expected the same timeout")
		}
		return 0, nil
	})
	require.NoError(t, err)
	assert.False(t, slow.Cancelled())
}

func TestAsCompleted_empty(t *testing.T) {
	it := AsCompleted[*Task[int]](nil)
	assert.Equal(t, 0, it.Len())
	_, err := it.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)

	for range it.All(context.Background()) {
		t.Fatal("unexpected value")
	}
}

func TestAsCompleted_foreignScheduler(t *testing.T) {
	s1 := newTestScheduler(t)
	s2 := newTestScheduler(t)

	it := AsCompleted([]*Future[int]{NewFuture[int](s1), NewFuture[int](s2)})
	_, err := it.Next(context.Background())
	require.ErrorIs(t, err, ErrForeignTask)
}
