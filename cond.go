package coop

import (
	"context"
)

// Cond is a condition variable bound to exactly one Mutex, L. Waiting
// requires owning L, which is released for the duration of the wait, and
// always owned again when Wait returns, even if the wait was cancelled.
// Notifications wake waiters in arrival order, and are not remembered: a
// notify with no waiters has no effect.
type Cond struct {
	L       *Mutex
	s       *Scheduler
	waiters waitQueue
}

// NewCond creates a condition bound to m, or to a new Mutex if m is nil.
// A non-nil m determines the scheduler the condition is bound to.
func NewCond(s *Scheduler, m *Mutex) *Cond {
	if m == nil {
		m = NewMutex(s)
	}
	return &Cond{L: m, s: m.s}
}

// Wait releases L, suspends until notified, then re-acquires L before
// returning. The task identified by ctx must own L. If the task is
// cancelled while waiting for a notification, a CancelledError is returned,
// but only after L has been re-acquired.
func (c *Cond) Wait(ctx context.Context) error {
	t, err := c.s.caller(ctx, "Cond.Wait", false)
	if err != nil {
		return err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	return c.waitLocked(t)
}

func (c *Cond) waitLocked(t *taskCore) error {
	if !c.L.ownedBy(t) {
		return logicError("Cond.Wait", ErrNotOwner)
	}

	c.L.releaseLocked()

	waitErr := c.s.park(t, false, func(gen uint64) {
		c.waiters.push(t, gen)
	})

	// cannot be interrupted, ownership must be restored
	if err := c.L.acquireLocked(t, true); err != nil {
		return err
	}

	return waitErr
}

// WaitUntil waits until pred returns true, evaluating it while owning L.
// The task identified by ctx must own L.
func (c *Cond) WaitUntil(ctx context.Context, pred func() bool) error {
	t, err := c.s.caller(ctx, "Cond.WaitUntil", false)
	if err != nil {
		return err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	for {
		if !c.L.ownedBy(t) {
			return logicError("Cond.WaitUntil", ErrNotOwner)
		}
		c.s.mu.Unlock()
		ok := pred()
		c.s.mu.Lock()
		if ok {
			return nil
		}
		if err := c.waitLocked(t); err != nil {
			return err
		}
	}
}

// NotifyOne wakes the longest waiting task, if any. The task identified by
// ctx must own L.
func (c *Cond) NotifyOne(ctx context.Context) error {
	return c.notify(ctx, "Cond.NotifyOne", 1)
}

// NotifyAll wakes every waiting task. The task identified by ctx must own L.
func (c *Cond) NotifyAll(ctx context.Context) error {
	return c.notify(ctx, "Cond.NotifyAll", -1)
}

// Notify wakes up to n waiting tasks, in arrival order. The task identified
// by ctx must own L.
func (c *Cond) Notify(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return c.notify(ctx, "Cond.Notify", n)
}

func (c *Cond) notify(ctx context.Context, op string, n int) error {
	t, err := c.s.caller(ctx, op, false)
	if err != nil {
		return err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if !c.L.ownedBy(t) {
		return logicError(op, ErrNotOwner)
	}

	for n != 0 {
		w, ok := c.waiters.pop()
		if !ok {
			break
		}
		if c.s.wake(w.t, w.gen, nil) {
			n--
		}
	}

	return nil
}
