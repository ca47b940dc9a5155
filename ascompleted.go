package coop

import (
	"context"
	"io"
	"iter"
	"time"
)

// Completions yields its inputs in the order they settle, see AsCompleted.
// It is finite, and cannot be restarted. Not safe for concurrent use.
type Completions[A Awaitable] struct {
	s        *Scheduler
	aws      []A
	cells    []*cell
	yielded  []bool
	remain   int
	deadline time.Time
	timeout  time.Duration
	err      error
}

// AsCompleted returns an iterator over aws, in completion order (inputs that
// have already settled come first, in the order they settled). With
// WithTimeout, Next fails with a TimeoutError once the timeout, measured from
// this call, elapses. Outcomes are not marked as observed, the yielded
// handles should be awaited.
//
// Every input must belong to the same scheduler, otherwise Next returns a
// LogicError.
func AsCompleted[A Awaitable](aws []A, opts ...WaitOption) *Completions[A] {
	cfg := resolveWaitOptions(opts)

	x := &Completions[A]{
		aws:     aws,
		yielded: make([]bool, len(aws)),
		remain:  len(aws),
		timeout: cfg.timeout,
	}

	if cfg.timeout > 0 {
		x.deadline = time.Now().Add(cfg.timeout)
	}

	if len(aws) != 0 {
		x.s = aws[0].base().s
		x.cells, x.err = cellsOf(x.s, "AsCompleted", aws)
	}

	return x
}

// Len returns the number of inputs not yet yielded.
func (x *Completions[A]) Len() int {
	return x.remain
}

// Next waits for the next input to settle, and returns it. It returns
// io.EOF once every input has been yielded. Errors other than io.EOF do not
// consume an input, unless the wait timed out, after which every call fails
// with the same TimeoutError.
func (x *Completions[A]) Next(ctx context.Context) (A, error) {
	var zero A

	if x.err != nil {
		return zero, x.err
	}

	if x.remain == 0 {
		return zero, io.EOF
	}

	t, err := x.s.caller(ctx, "AsCompleted", true)
	if err != nil {
		return zero, err
	}

	x.s.mu.Lock()
	defer x.s.mu.Unlock()

	for i, c := range x.cells {
		if t != nil && c.task == t && !x.yielded[i] {
			return zero, logicError("AsCompleted", ErrAwaitSelf)
		}
	}

	err = x.s.waitLocked(ctx, t, x.cells, func() bool { return x.nextLocked() >= 0 }, x.deadline)
	switch err {
	case nil:
	case errWaitDeadline:
		x.err = &TimeoutError{Op: "AsCompleted", Timeout: x.timeout}
		return zero, x.err
	default:
		return zero, err
	}

	i := x.nextLocked()
	x.yielded[i] = true
	x.remain--

	return x.aws[i], nil
}

// nextLocked returns the index of the unyielded input that settled first,
// or -1.
func (x *Completions[A]) nextLocked() int {
	next := -1
	for i, c := range x.cells {
		if x.yielded[i] || !c.settled() {
			continue
		}
		if next < 0 || c.seq < x.cells[next].seq {
			next = i
		}
	}
	return next
}

// All returns a range-over-func iterator, calling Next until it returns an
// error. The error is yielded once, unless it is io.EOF.
func (x *Completions[A]) All(ctx context.Context) iter.Seq2[A, error] {
	return func(yield func(A, error) bool) {
		for {
			v, err := x.Next(ctx)
			if err == io.EOF {
				return
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}
