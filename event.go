package coop

import (
	"context"
)

// Event is a re-armable flag. Set wakes every waiting task, and later
// waiters return immediately, until Clear.
type Event struct {
	s       *Scheduler
	waiters waitQueue
	set     bool
}

// NewEvent creates an unset event, bound to s.
func NewEvent(s *Scheduler) *Event {
	return &Event{s: s}
}

// Wait suspends the task identified by ctx until the event is set. It
// returns immediately if it already is.
func (e *Event) Wait(ctx context.Context) error {
	t, err := e.s.caller(ctx, "Event.Wait", false)
	if err != nil {
		return err
	}

	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if e.set {
		return nil
	}

	return e.s.park(t, false, func(gen uint64) {
		e.waiters.push(t, gen)
	})
}

// Set sets the event, waking all waiting tasks. Safe to call from any
// goroutine.
func (e *Event) Set() {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if e.set {
		return
	}
	e.set = true

	for {
		w, ok := e.waiters.pop()
		if !ok {
			return
		}
		e.s.wake(w.t, w.gen, nil)
	}
}

// Clear resets the event. Tasks already woken by Set are unaffected. Safe
// to call from any goroutine.
func (e *Event) Clear() {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.set = false
}

// IsSet reports whether the event is set. Safe to call from any goroutine.
func (e *Event) IsSet() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.set
}
