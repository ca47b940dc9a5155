package coop

import (
	"context"
	"time"
)

// Awaiter is an Awaitable producing a T, i.e. *Task[T] or *Future[T].
type Awaiter[T any] interface {
	Awaitable
	Await(ctx context.Context) (T, error)
}

// GatherOption configures GatherWith.
type GatherOption interface {
	applyGather(*gatherOptions)
}

type gatherOptions struct {
	failFast bool
}

type gatherOptionImpl struct {
	applyGatherFunc func(*gatherOptions)
}

func (o *gatherOptionImpl) applyGather(opts *gatherOptions) {
	o.applyGatherFunc(opts)
}

// GatherFailFast makes GatherWith return as soon as any input fails (or is
// cancelled), instead of waiting for all of them. The remaining inputs are
// left running.
func GatherFailFast() GatherOption {
	return &gatherOptionImpl{func(opts *gatherOptions) {
		opts.failFast = true
	}}
}

// Gather waits for every input to settle, then returns their results in
// input order. If any failed or were cancelled, the error of the first to
// settle that way is returned, along with the results of the rest, with
// zero values in place of failed inputs. Every outcome counts as observed.
//
// If the caller is cancelled, or ctx is done for a foreign goroutine, every
// input task that has not finished is cancelled, and the error is returned.
//
// Inputs of mixed types (e.g. tasks and futures) may be passed as
// Awaiter[T], e.g. Gather[Awaiter[int]](ctx, task, future).
func Gather[A Awaiter[T], T any](ctx context.Context, aws ...A) ([]T, error) {
	return GatherWith[A, T](ctx, nil, aws...)
}

// GatherWith is Gather, with options.
func GatherWith[A Awaiter[T], T any](ctx context.Context, opts []GatherOption, aws ...A) ([]T, error) {
	var cfg gatherOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyGather(&cfg)
		}
	}

	if len(aws) == 0 {
		return nil, nil
	}

	s := aws[0].base().s
	t, err := s.caller(ctx, "Gather", true)
	if err != nil {
		return nil, err
	}

	cells, err := cellsOf(s, "Gather", aws)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cells {
		if t != nil && c.task == t {
			return nil, logicError("Gather", ErrAwaitSelf)
		}
	}

	cond := func() bool { return allSettled(cells) }
	if cfg.failFast {
		cond = func() bool { return allSettled(cells) || firstError(cells) != nil }
	}

	if err := s.waitLocked(ctx, t, cells, cond, time.Time{}); err != nil {
		for _, c := range cells {
			if c.task != nil {
				s.cancelLocked(c.task, nil)
			}
		}
		return nil, err
	}

	if failed := firstError(cells); failed != nil && !allSettled(cells) {
		_, err := failed.observeLocked()
		return nil, err
	}

	results := make([]T, len(cells))
	for i, c := range cells {
		v, _ := c.observeLocked()
		results[i] = typedValue[T](v)
	}

	if failed := firstError(cells); failed != nil {
		return results, failed.err
	}

	return results, nil
}

// Outcome is the result of a single input to GatherSettled.
type Outcome[T any] struct {
	Value T
	Err   error
}

// GatherSettled waits for every input to settle, returning each outcome in
// input order. It only returns an error if the caller is cancelled (or ctx
// is done, for a foreign goroutine), in which case the inputs that have not
// finished are cancelled.
func GatherSettled[A Awaiter[T], T any](ctx context.Context, aws ...A) ([]Outcome[T], error) {
	if len(aws) == 0 {
		return nil, nil
	}

	s := aws[0].base().s
	t, err := s.caller(ctx, "GatherSettled", true)
	if err != nil {
		return nil, err
	}

	cells, err := cellsOf(s, "GatherSettled", aws)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cells {
		if t != nil && c.task == t {
			return nil, logicError("GatherSettled", ErrAwaitSelf)
		}
	}

	if err := s.waitLocked(ctx, t, cells, func() bool { return allSettled(cells) }, time.Time{}); err != nil {
		for _, c := range cells {
			if c.task != nil {
				s.cancelLocked(c.task, nil)
			}
		}
		return nil, err
	}

	outcomes := make([]Outcome[T], len(cells))
	for i, c := range cells {
		v, err := c.observeLocked()
		outcomes[i] = Outcome[T]{Value: typedValue[T](v), Err: err}
	}

	return outcomes, nil
}

// ReturnWhen selects the condition WaitAny waits for.
type ReturnWhen uint8

const (
	// FirstCompleted returns once any input has settled.
	FirstCompleted ReturnWhen = iota
	// FirstException returns once any input has failed (cancellation does
	// not count), or all have settled.
	FirstException
	// AllCompleted returns once every input has settled.
	AllCompleted
)

// String returns a human-readable representation of the mode.
func (x ReturnWhen) String() string {
	switch x {
	case FirstCompleted:
		return "FirstCompleted"
	case FirstException:
		return "FirstException"
	case AllCompleted:
		return "AllCompleted"
	default:
		return "Unknown"
	}
}

// WaitAny waits until the condition selected by mode holds, then partitions
// the inputs into done and pending, each in input order. Pending tasks are
// never cancelled, and outcomes are not marked as observed. With
// WithTimeout, the partition is returned when the timeout elapses, even if
// the condition does not hold.
//
// If the caller is cancelled (or ctx is done, for a foreign goroutine), the
// error is returned, and the inputs are left running.
func WaitAny[A Awaitable](ctx context.Context, aws []A, mode ReturnWhen, opts ...WaitOption) (done, pending []A, err error) {
	if len(aws) == 0 {
		return nil, nil, nil
	}

	cfg := resolveWaitOptions(opts)

	s := aws[0].base().s
	t, err := s.caller(ctx, "WaitAny", true)
	if err != nil {
		return nil, nil, err
	}

	cells, err := cellsOf(s, "WaitAny", aws)
	if err != nil {
		return nil, nil, err
	}

	var cond func() bool
	switch mode {
	case FirstCompleted:
		cond = func() bool { return anySettled(cells) }
	case FirstException:
		cond = func() bool { return allSettled(cells) || firstFailed(cells) != nil }
	case AllCompleted:
		cond = func() bool { return allSettled(cells) }
	default:
		return nil, nil, logicError("WaitAny", ErrUnknownMode)
	}

	var deadline time.Time
	if cfg.timeout > 0 {
		deadline = time.Now().Add(cfg.timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cells {
		if t != nil && c.task == t {
			return nil, nil, logicError("WaitAny", ErrAwaitSelf)
		}
	}

	if err := s.waitLocked(ctx, t, cells, cond, deadline); err != nil && err != errWaitDeadline {
		return nil, nil, err
	}

	for i, c := range cells {
		if c.settled() {
			done = append(done, aws[i])
		} else {
			pending = append(pending, aws[i])
		}
	}

	return done, pending, nil
}

// WaitFor waits for task to finish, for at most timeout. On timeout, the
// task is cancelled, and WaitFor waits for it to finish before returning a
// TimeoutError. If the task finishes within the timeout, its outcome is
// returned, and it is never cancelled. A non-positive timeout cancels an
// unfinished task immediately.
//
// If the caller is cancelled (or ctx is done, for a foreign goroutine), the
// task is cancelled too, and the error is returned without waiting.
func WaitFor[T any](ctx context.Context, task *Task[T], timeout time.Duration) (T, error) {
	var zero T

	s := task.core.s
	t, err := s.caller(ctx, "WaitFor", true)
	if err != nil {
		return zero, err
	}

	c := &task.core.cell
	cells := []*cell{c}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t != nil && c.task == t {
		return zero, logicError("WaitFor", ErrAwaitSelf)
	}

	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		// already expired, but a finished task still wins
		deadline = time.Now()
	}

	switch err := s.waitLocked(ctx, t, cells, c.settled, deadline); err {
	case nil:
		v, err := c.observeLocked()
		return typedValue[T](v), err

	case errWaitDeadline:

	default:
		s.cancelLocked(task.core, nil)
		return zero, err
	}

	s.cancelLocked(task.core, &TimeoutError{Op: "WaitFor", Timeout: timeout})

	if err := s.waitLocked(ctx, t, cells, c.settled, time.Time{}); err != nil {
		return zero, err
	}

	v, err := c.observeLocked()
	switch task.core.state {
	case TaskCompleted:
		// finished before the cancellation was delivered
		return typedValue[T](v), nil
	case TaskFailed:
		return zero, err
	}

	return zero, &TimeoutError{Op: "WaitFor", Timeout: timeout}
}

func allSettled(cells []*cell) bool {
	for _, c := range cells {
		if !c.settled() {
			return false
		}
	}
	return true
}

func anySettled(cells []*cell) bool {
	for _, c := range cells {
		if c.settled() {
			return true
		}
	}
	return false
}

// firstError returns the earliest settled failure, including
// cancellations, or nil.
func firstError(cells []*cell) *cell {
	return earliest(cells, func(c *cell) bool {
		return c.status == cellFailed
	})
}

// firstFailed is firstError, ignoring cancellations.
func firstFailed(cells []*cell) *cell {
	return earliest(cells, func(c *cell) bool {
		return c.status == cellFailed && !isCancellation(c.err, false)
	})
}

func earliest(cells []*cell, match func(c *cell) bool) *cell {
	var first *cell
	for _, c := range cells {
		if !match(c) {
			continue
		}
		if first == nil || c.seq < first.seq {
			first = c
		}
	}
	return first
}
