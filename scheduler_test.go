package coop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunUntilComplete_value(t *testing.T) {
	s := newTestScheduler(t)

	v, err := RunUntilComplete(testContext(t), s, Value(42))
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, StateAwake, s.State())
}

func TestScheduler_RunUntilComplete_zeroComputation(t *testing.T) {
	s := newTestScheduler(t)

	_, err := RunUntilComplete(testContext(t), s, Computation[int]{})
	require.ErrorIs(t, err, ErrZeroComputation)
	require.ErrorIs(t, err, ErrLogic)
}

func TestScheduler_RunUntilComplete_existingTask(t *testing.T) {
	s := newTestScheduler(t)

	task := Spawn(s, func(ctx context.Context) (string, error) {
		if err := Sleep(ctx, time.Millisecond); err != nil {
			return "", err
		}
		return "done", nil
	})

	v, err := RunUntilComplete(testContext(t), s, FromTask(task))
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, TaskCompleted, task.State())

	other := newTestScheduler(t)
	_, err = RunUntilComplete(testContext(t), other, FromTask(task))
	require.ErrorIs(t, err, ErrForeignTask)
}

func TestScheduler_readyQueueFIFO(t *testing.T) {
	s := newTestScheduler(t)

	var order []string
	worker := func(name string) func(ctx context.Context) (int, error) {
		return func(ctx context.Context) (int, error) {
			order = append(order, name+"1")
			if err := Yield(ctx); err != nil {
				return 0, err
			}
			order = append(order, name+"2")
			return 0, nil
		}
	}

	_, err := run(t, s, func(ctx context.Context) ([]int, error) {
		return Gather(ctx, Spawn(s, worker("a")), Spawn(s, worker("b")), Spawn(s, worker("c")))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1", "c1", "a2", "b2", "c2"}, order)
}

func TestScheduler_sleepOrdering(t *testing.T) {
	s := newTestScheduler(t)

	var order []time.Duration
	sleeper := func(d time.Duration) func(ctx context.Context) (int, error) {
		return func(ctx context.Context) (int, error) {
			if err := Sleep(ctx, d); err != nil {
				return 0, err
			}
			order = append(order, d)
			return 0, nil
		}
	}

	start := time.Now()
	_, err := run(t, s, func(ctx context.Context) ([]int, error) {
		return Gather(ctx,
			Spawn(s, sleeper(30*time.Millisecond)),
			Spawn(s, sleeper(10*time.Millisecond)),
			Spawn(s, sleeper(20*time.Millisecond)),
		)
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, order)
}

func TestSleep_notInTask(t *testing.T) {
	err := Sleep(context.Background(), time.Millisecond)
	require.ErrorIs(t, err, ErrNotInTask)
	var logicErr *LogicError
	require.ErrorAs(t, err, &logicErr)
	assert.Equal(t, "Sleep", logicErr.Op)

	require.ErrorIs(t, Yield(context.Background()), ErrNotInTask)
}

func TestScheduler_Submit_order(t *testing.T) {
	s := newTestScheduler(t, WithIngressCapacity(1))

	var got []int
	for i := range 100 {
		require.NoError(t, s.Submit(func() {
			got = append(got, i)
		}))
	}

	_, err := RunUntilComplete(testContext(t), s, Value(struct{}{}))
	require.NoError(t, err)

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestScheduler_Submit_foreignGoroutine(t *testing.T) {
	s := newTestScheduler(t)
	done := runForever(t, s)

	executed := make(chan struct{})
	go func() {
		_ = s.Submit(func() { close(executed) })
	}()

	select {
	case <-executed:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for submitted callback")
	}

	s.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, StateAwake, s.State())
}

func TestScheduler_Submit_afterClose(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Submit(func() {}), ErrLoopTerminated)
	_, err := s.ScheduleTimer(time.Millisecond, func() {})
	require.ErrorIs(t, err, ErrLoopTerminated)
	require.ErrorIs(t, s.Close(), ErrLoopTerminated)
}

func TestScheduler_Submit_panicRecovered(t *testing.T) {
	s := newTestScheduler(t)

	var ran bool
	require.NoError(t, s.Submit(func() { panic("boom") }))
	require.NoError(t, s.Submit(func() { ran = true }))

	_, err := RunUntilComplete(testContext(t), s, Value(0))
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestScheduler_ScheduleTimer(t *testing.T) {
	s := newTestScheduler(t)

	var fired []string
	_, err := s.ScheduleTimer(20*time.Millisecond, func() { fired = append(fired, "b") })
	require.NoError(t, err)
	_, err = s.ScheduleTimer(10*time.Millisecond, func() { fired = append(fired, "a") })
	require.NoError(t, err)
	cancelled, err := s.ScheduleTimer(15*time.Millisecond, func() { fired = append(fired, "cancelled") })
	require.NoError(t, err)

	assert.True(t, cancelled.Cancel())
	assert.False(t, cancelled.Cancel())

	_, err = run(t, s, func(ctx context.Context) (int, error) {
		return 0, Sleep(ctx, 40*time.Millisecond)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestScheduler_Stop(t *testing.T) {
	s := newTestScheduler(t)

	require.NoError(t, s.Submit(s.Stop))

	task := Spawn(s, func(ctx context.Context) (int, error) {
		return 0, Sleep(ctx, time.Hour)
	})

	_, err := RunUntilComplete(testContext(t), s, FromTask(task))
	require.ErrorIs(t, err, ErrStopped)
	assert.False(t, task.Done())

	// may be driven again
	require.NoError(t, s.Submit(s.Stop))
	require.NoError(t, s.RunForever(testContext(t)))
}

func TestScheduler_RunUntilComplete_contextDone(t *testing.T) {
	s := newTestScheduler(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	task := Spawn(s, func(ctx context.Context) (int, error) {
		return 0, Sleep(ctx, time.Hour)
	})

	_, err := RunUntilComplete(ctx, s, FromTask(task))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, TaskSuspended, task.State())
}

func TestScheduler_reentrantRun(t *testing.T) {
	s := newTestScheduler(t)

	_, err := run(t, s, func(ctx context.Context) (int, error) {
		_, err := RunUntilComplete(ctx, s, Value(1))
		assert.ErrorIs(t, err, ErrReentrantRun)
		assert.ErrorIs(t, s.Shutdown(ctx), ErrReentrantRun)
		return 0, nil
	})
	require.NoError(t, err)

	var submitErr error
	require.NoError(t, s.Submit(func() {
		submitErr = s.RunForever(context.Background())
	}))
	_, err = RunUntilComplete(testContext(t), s, Value(1))
	require.NoError(t, err)
	require.ErrorIs(t, submitErr, ErrReentrantRun)
}

func TestScheduler_alreadyRunning(t *testing.T) {
	s := newTestScheduler(t)
	done := runForever(t, s)

	_, err := RunUntilComplete(testContext(t), s, Value(1))
	require.ErrorIs(t, err, ErrLoopAlreadyRunning)

	s.Stop()
	require.NoError(t, <-done)
}

func TestScheduler_Shutdown_cancelsTasks(t *testing.T) {
	s := newTestScheduler(t)

	var cleanedUp bool
	task := Spawn(s, func(ctx context.Context) (int, error) {
		defer func() { cleanedUp = true }()
		return 0, Sleep(ctx, time.Hour)
	})
	unstarted := Spawn(s, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	unstarted.Cancel()

	_, err := run(t, s, func(ctx context.Context) (int, error) {
		return 0, Yield(ctx)
	})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(testContext(t)))
	assert.Equal(t, StateTerminated, s.State())
	assert.True(t, cleanedUp)

	_, err = task.Result()
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, ErrSchedulerClosed)
	assert.Equal(t, TaskCancelled, task.State())
	assert.Equal(t, TaskCancelled, unstarted.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}

func TestScheduler_Shutdown_whileRunning(t *testing.T) {
	s := newTestScheduler(t)

	task := Spawn(s, func(ctx context.Context) (int, error) {
		return 0, Sleep(ctx, time.Hour)
	})

	done := runForever(t, s)

	require.NoError(t, s.Shutdown(testContext(t)))
	require.ErrorIs(t, <-done, ErrLoopTerminated)
	assert.Equal(t, TaskCancelled, task.State())
}

func TestScheduler_Shutdown_concurrent(t *testing.T) {
	s := newTestScheduler(t)
	Spawn(s, func(ctx context.Context) (int, error) {
		return 0, Sleep(ctx, time.Hour)
	})
	done := runForever(t, s)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Go(func() {
			errs[i] = s.Shutdown(testContext(t))
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrLoopTerminated)
		}
	}
	require.ErrorIs(t, <-done, ErrLoopTerminated)
	assert.Equal(t, StateTerminated, s.State())
}

func TestScheduler_taskIgnoringShutdownCancellation(t *testing.T) {
	s := newTestScheduler(t)

	var attempts int
	task := Spawn(s, func(ctx context.Context) (int, error) {
		for {
			attempts++
			if err := Sleep(ctx, time.Hour); err == nil || attempts > 3 {
				return attempts, nil
			}
		}
	})

	_, err := run(t, s, func(ctx context.Context) (int, error) {
		return 0, Yield(ctx)
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	require.NoError(t, s.Close())

	// suspending after shutdown began fails immediately
	v, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	assert.Equal(t, TaskCompleted, task.State())
}

func TestSpawn_afterClose(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Close())

	var ran bool
	task := Spawn(s, func(ctx context.Context) (int, error) {
		ran = true
		return 1, nil
	})

	assert.False(t, ran)
	assert.Equal(t, TaskCancelled, task.State())
	_, err := task.Result()
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestSpawn_nilFunc(t *testing.T) {
	s := newTestScheduler(t)

	_, err := RunUntilComplete(testContext(t), s, FromTask(Spawn[int](s, nil)))
	require.ErrorIs(t, err, ErrNilFunc)
	require.ErrorIs(t, err, ErrLogic)
}

func TestScheduler_Stats(t *testing.T) {
	s := newTestScheduler(t)

	Spawn(s, func(ctx context.Context) (int, error) { return 0, nil })
	Spawn(s, func(ctx context.Context) (int, error) { return 0, nil })

	stats := s.Stats()
	assert.Equal(t, StateAwake, stats.State)
	assert.Equal(t, 2, stats.Tasks)
	assert.Equal(t, 2, stats.Ready)
	assert.Equal(t, 2, stats.Tracked)

	_, err := run(t, s, func(ctx context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)

	stats = s.Stats()
	assert.Equal(t, 0, stats.Tasks)
	assert.Equal(t, 0, stats.Ready)
}

func TestScheduler_blockingOnLoop(t *testing.T) {
	s := newTestScheduler(t)
	f := NewFuture[int](s)

	var awaitErr error
	require.NoError(t, s.Submit(func() {
		_, awaitErr = f.Await(context.Background())
	}))

	_, err := RunUntilComplete(testContext(t), s, Value(0))
	require.NoError(t, err)
	require.ErrorIs(t, awaitErr, ErrBlockingOnLoop)
}

func TestScheduler_tickBudget(t *testing.T) {
	s := newTestScheduler(t, WithTickBudget(1))

	var timerFired bool
	_, err := s.ScheduleTimer(0, func() { timerFired = true })
	require.NoError(t, err)

	_, err = run(t, s, func(ctx context.Context) (int, error) {
		for range 10 {
			if err := Yield(ctx); err != nil {
				return 0, err
			}
			if timerFired {
				return 0, nil
			}
		}
		return 0, errors.New("timer starved")
	})
	require.NoError(t, err)
}
