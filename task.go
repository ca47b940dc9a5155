package coop

import (
	"context"
	"strconv"
	"sync/atomic"
	"weak"
)

// taskCore is the untyped state of a task. Guarded by the scheduler lock,
// except where noted.
type taskCore struct {
	cell

	fn          func(ctx context.Context) (any, error)
	ctx         context.Context
	cancelCtx   context.CancelCauseFunc
	cancelCause error
	// wakeErr is the outcome of the last wake, e.g. a CancelledError.
	wakeErr error
	resume  chan struct{}
	// gid is set by the task goroutine, before it first runs.
	gid atomic.Uint64
	// gen is incremented on each park and wake, invalidating wakeups
	// registered for an earlier suspension.
	gen             uint64
	state           TaskState
	started         bool
	cancelRequested bool
	// cancelPending is set while a cancellation awaits delivery.
	cancelPending bool
	shielded      bool
}

type taskKey struct{}

// taskFromContext returns the task the context belongs to, or nil.
func taskFromContext(ctx context.Context) *taskCore {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(taskKey{}).(*taskCore)
	return t
}

// onOwnGoroutine reports whether the caller is t's goroutine, e.g. not a
// goroutine started by the task, that was passed its ctx.
func (t *taskCore) onOwnGoroutine() bool {
	return t.gid.Load() == getGoroutineID()
}

func (t *taskCore) cancelErr() error {
	return &CancelledError{Cause: t.cancelCause}
}

// Awaitable is implemented by Task and Future.
type Awaitable interface {
	// Done reports whether the result is available.
	Done() bool

	base() *cell
}

// Task is a handle to a unit of cooperative work, created by Spawn. Handles
// may be used from any goroutine.
type Task[T any] struct {
	core *taskCore
}

var _ Awaitable = (*Task[any])(nil)

// Spawn creates a task running fn, and schedules it. The ctx passed to fn
// identifies the task, and must be passed to suspending operations. It is
// canceled when the task is cancelled, or finishes. Safe to call from any
// goroutine.
//
// Returning an error fails the task, unless it is a cancellation (see
// ErrCancelled) and the task was cancelled. A panic fails the task with a
// PanicError.
//
// Spawning on a scheduler that is shutting down produces a task that is
// cancelled before it runs.
func Spawn[T any](s *Scheduler, fn func(ctx context.Context) (T, error), opts ...TaskOption) *Task[T] {
	if fn == nil {
		fn = func(context.Context) (T, error) {
			var zero T
			return zero, logicError("Spawn", ErrNilFunc)
		}
	}

	cfg := resolveTaskOptions(opts)

	t := newTaskCore(s, cfg.name)
	t.fn = func(ctx context.Context) (any, error) {
		return fn(ctx)
	}

	x := &Task[T]{core: t}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.addTaskLocked(t, trackedAlive(x))

	if s.metrics != nil {
		s.metrics.recordSpawn()
	}

	if s.closing || s.state.Load() == StateTerminated {
		t.cancelRequested = true
		t.cancelCause = ErrSchedulerClosed
		t.cancelCtx(&CancelledError{Cause: ErrSchedulerClosed})
		if s.state.Load() == StateTerminated {
			// nothing will ever step it
			t.state = TaskScheduled
			s.finishLocked(t, nil, t.cancelErr())
			return x
		}
		t.cancelPending = true
	}

	t.state = TaskScheduled
	s.ready.push(t)
	s.signal()

	return x
}

func newTaskCore(s *Scheduler, name string) *taskCore {
	t := &taskCore{
		resume: make(chan struct{}),
	}
	t.cell.s = s
	t.cell.task = t
	t.cell.name = name
	t.ctx, t.cancelCtx = context.WithCancelCause(context.WithValue(context.Background(), taskKey{}, t))
	return t
}

// addTaskLocked assigns an id, and starts tracking t. Must be called with
// the lock held.
func (s *Scheduler) addTaskLocked(t *taskCore, alive func() bool) {
	s.nextID++
	t.id = s.nextID
	if t.name == "" {
		t.name = "task-" + strconv.FormatUint(t.id, 10)
	}
	s.tasks[t.id] = t
	s.registry.trackLocked(&t.cell, alive)
}

// trackedAlive returns a func reporting whether the handle x is still
// reachable, without retaining it.
func trackedAlive[P any](x *P) func() bool {
	wp := weak.Make(x)
	return func() bool {
		return wp.Value() != nil
	}
}

// ID returns the task's identifier, unique within its scheduler.
func (x *Task[T]) ID() uint64 {
	return x.core.id
}

// Name returns the task's name.
func (x *Task[T]) Name() string {
	return x.core.name
}

// Scheduler returns the scheduler the task belongs to.
func (x *Task[T]) Scheduler() *Scheduler {
	return x.core.s
}

// State returns the task's current state.
func (x *Task[T]) State() TaskState {
	s := x.core.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return x.core.state
}

// Done reports whether the task is Completed, Cancelled, or Failed.
func (x *Task[T]) Done() bool {
	return x.State().Terminal()
}

// Cancelled reports whether the task ended in the Cancelled state.
func (x *Task[T]) Cancelled() bool {
	return x.State() == TaskCancelled
}

// Cancel requests cancellation. If the task is suspended it is woken with a
// CancelledError, otherwise the error is delivered at its next suspension
// point. A task that has not yet started never runs. It returns false if the
// task has already finished. Safe to call from any goroutine.
func (x *Task[T]) Cancel() bool {
	s := x.core.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(x.core, nil)
}

// Result returns the task's outcome, without waiting. A LogicError wrapping
// ErrPending is returned if the task has not finished.
func (x *Task[T]) Result() (T, error) {
	return cellResult[T](&x.core.cell, "Task.Result")
}

// Await waits for the task to finish, returning its outcome. If ctx
// identifies a task, that task is suspended, otherwise the calling
// goroutine blocks, until ctx is done. A task awaiting its own handle
// returns a LogicError.
func (x *Task[T]) Await(ctx context.Context) (T, error) {
	v, err := x.core.s.awaitCell(ctx, "Task.Await", &x.core.cell)
	return typedValue[T](v), err
}

func (x *Task[T]) base() *cell {
	return &x.core.cell
}

// String implements fmt.Stringer.
func (x *Task[T]) String() string {
	return "coop.Task(" + x.core.name + ")"
}

// cellResult implements the non-blocking Result methods.
func cellResult[T any](c *cell, op string) (T, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.settled() {
		var zero T
		return zero, logicError(op, ErrPending)
	}
	v, err := c.observeLocked()
	return typedValue[T](v), err
}
