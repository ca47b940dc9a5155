package coop

import (
	"context"
)

// Semaphore is a bounded counting semaphore. Tasks blocked in Acquire are
// granted a slot in arrival order. Releasing more slots than the bound is a
// LogicError.
type Semaphore struct {
	s       *Scheduler
	waiters waitQueue
	value   int
	bound   int
}

// NewSemaphore creates a semaphore with n available slots, bound to s. A
// negative n is treated as zero.
func NewSemaphore(s *Scheduler, n int) *Semaphore {
	n = max(n, 0)
	return &Semaphore{s: s, value: n, bound: n}
}

// Acquire suspends the task identified by ctx until a slot is available.
func (x *Semaphore) Acquire(ctx context.Context) error {
	t, err := x.s.caller(ctx, "Semaphore.Acquire", false)
	if err != nil {
		return err
	}

	x.s.mu.Lock()
	defer x.s.mu.Unlock()

	if x.value > 0 && x.waiters.empty() {
		x.value--
		return nil
	}

	// on wake, the slot has already been transferred
	return x.s.park(t, false, func(gen uint64) {
		x.waiters.push(t, gen)
	})
}

// TryAcquire takes a slot if one is available without waiting. Safe to call
// from any goroutine.
func (x *Semaphore) TryAcquire() bool {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()

	if x.value > 0 && x.waiters.empty() {
		x.value--
		return true
	}
	return false
}

// Release returns a slot, handing it to the next waiter, if any. Safe to
// call from any goroutine.
func (x *Semaphore) Release() error {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()

	for {
		w, ok := x.waiters.pop()
		if !ok {
			break
		}
		if x.s.wake(w.t, w.gen, nil) {
			return nil
		}
	}

	if x.value >= x.bound {
		return logicError("Semaphore.Release", ErrOverRelease)
	}
	x.value++

	return nil
}

// Value returns the number of available slots.
func (x *Semaphore) Value() int {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	return x.value
}
