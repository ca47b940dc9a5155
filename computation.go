package coop

import (
	"context"
	"strconv"
)

type computationKind uint8

const (
	computationZero computationKind = iota
	computationValue
	computationTask
	computationThunk
)

// Computation is anything that can be run to completion: an immediate
// value, an existing task, or a not-yet-started unit of work. The zero
// value is invalid. See Value, FromTask, and Thunk.
type Computation[T any] struct {
	value T
	task  *Task[T]
	fn    func(ctx context.Context) (T, error)
	opts  []TaskOption
	kind  computationKind
}

// Value is a computation that immediately produces v.
func Value[T any](v T) Computation[T] {
	return Computation[T]{kind: computationValue, value: v}
}

// FromTask is a computation that completes with t.
func FromTask[T any](t *Task[T]) Computation[T] {
	return Computation[T]{kind: computationTask, task: t}
}

// Thunk is a computation that runs fn as a new task, once ensured.
func Thunk[T any](fn func(ctx context.Context) (T, error), opts ...TaskOption) Computation[T] {
	return Computation[T]{kind: computationThunk, fn: fn, opts: opts}
}

// Ensure converts c into a task bound to s. An immediate value becomes an
// already Completed task, an existing task is returned as-is (it must
// belong to s), and a thunk is spawned.
func Ensure[T any](s *Scheduler, c Computation[T]) (*Task[T], error) {
	switch c.kind {
	case computationValue:
		return completedTask(s, c.value), nil

	case computationTask:
		if c.task == nil {
			return nil, logicError("Ensure", ErrZeroComputation)
		}
		if c.task.core.s != s {
			return nil, logicError("Ensure", ErrForeignTask)
		}
		return c.task, nil

	case computationThunk:
		if c.fn == nil {
			return nil, logicError("Ensure", ErrZeroComputation)
		}
		return Spawn(s, c.fn, c.opts...), nil

	default:
		return nil, logicError("Ensure", ErrZeroComputation)
	}
}

// completedTask returns a task that finished with v, without running.
func completedTask[T any](s *Scheduler, v T) *Task[T] {
	t := newTaskCore(s, "")
	x := &Task[T]{core: t}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t.id = s.nextID
	t.name = "value-" + strconv.FormatUint(t.id, 10)
	t.state = TaskCompleted
	t.cancelCtx(nil)
	t.settleLocked(v, nil)

	return x
}

// RunUntilComplete drives s until the computation finishes, returning its
// outcome. If ctx is done first, the computation is left running, and the
// error from ctx is returned. ErrStopped is returned if Stop is called
// first. The scheduler may be driven again afterwards.
//
// It must not be called from a task or callback of s.
func RunUntilComplete[T any](ctx context.Context, s *Scheduler, c Computation[T]) (T, error) {
	var zero T

	t, err := Ensure(s, c)
	if err != nil {
		return zero, err
	}

	result := &t.core.cell

	runErr := s.run(ctx, result.settled)
	if runErr == ErrReentrantRun || runErr == ErrLoopAlreadyRunning {
		return zero, runErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !result.settled() {
		if runErr == nil {
			runErr = ErrLoopTerminated
		}
		return zero, runErr
	}

	v, err := result.observeLocked()
	return typedValue[T](v), err
}
