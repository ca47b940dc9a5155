package coop

import (
	"context"
)

// Future is a one-shot result slot: pending until resolved with a value or
// failed with an error, exactly once. Any number of tasks (or foreign
// goroutines) may await it, and all observe the same outcome.
type Future[T any] struct {
	c *cell
}

var _ Awaitable = (*Future[any])(nil)

// NewFuture creates a pending future, bound to s. If a future fails and its
// error is never retrieved, the failure is reported as unobserved. Pending
// futures are failed with a CancelledError when the scheduler shuts down.
func NewFuture[T any](s *Scheduler) *Future[T] {
	x := &Future[T]{c: &cell{s: s}}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	x.c.id = s.nextID
	x.c.name = "future"
	s.registry.trackLocked(x.c, trackedAlive(x))

	if s.state.Load() == StateTerminated {
		x.c.settleLocked(nil, &CancelledError{Cause: ErrSchedulerClosed})
	}

	return x
}

// Resolve settles the future with a value. Settling a future twice returns
// a LogicError wrapping ErrAlreadyResolved. Safe to call from any goroutine.
func (x *Future[T]) Resolve(value T) error {
	s := x.c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !x.c.settleLocked(value, nil) {
		return logicError("Future.Resolve", ErrAlreadyResolved)
	}
	return nil
}

// Fail settles the future with an error, which must not be nil. Settling a
// future twice returns a LogicError wrapping ErrAlreadyResolved. Safe to
// call from any goroutine.
func (x *Future[T]) Fail(err error) error {
	if err == nil {
		return logicError("Future.Fail", ErrNilError)
	}
	s := x.c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !x.c.settleLocked(nil, err) {
		return logicError("Future.Fail", ErrAlreadyResolved)
	}
	return nil
}

// Done reports whether the future has been settled.
func (x *Future[T]) Done() bool {
	s := x.c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return x.c.settled()
}

// Result returns the outcome without waiting. A LogicError wrapping
// ErrPending is returned while the future is pending.
func (x *Future[T]) Result() (T, error) {
	return cellResult[T](x.c, "Future.Result")
}

// Await waits for the future to settle, returning its outcome. If ctx
// identifies a task, that task is suspended, otherwise the calling
// goroutine blocks, until ctx is done.
func (x *Future[T]) Await(ctx context.Context) (T, error) {
	v, err := x.c.s.awaitCell(ctx, "Future.Await", x.c)
	return typedValue[T](v), err
}

func (x *Future[T]) base() *cell {
	return x.c
}
