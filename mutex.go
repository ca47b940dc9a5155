package coop

import (
	"context"
)

// Mutex is a task-owned lock. Tasks blocked in Acquire are granted
// ownership in arrival order: on Release, ownership passes directly to the
// longest waiting task, so a task arriving later cannot barge ahead.
//
// Acquiring a mutex the calling task already owns returns a LogicError,
// rather than deadlocking.
type Mutex struct {
	s       *Scheduler
	owner   *taskCore
	waiters waitQueue
}

// NewMutex creates an unlocked mutex, bound to s.
func NewMutex(s *Scheduler) *Mutex {
	return &Mutex{s: s}
}

// Acquire suspends the task identified by ctx until it owns the mutex. If
// the task is cancelled while waiting, it does not acquire the mutex, and a
// CancelledError is returned.
func (m *Mutex) Acquire(ctx context.Context) error {
	t, err := m.s.caller(ctx, "Mutex.Acquire", false)
	if err != nil {
		return err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	return m.acquireLocked(t, false)
}

// acquireLocked implements Acquire. A shielded acquire cannot be
// interrupted by cancellation.
func (m *Mutex) acquireLocked(t *taskCore, shield bool) error {
	if m.owner == t {
		return logicError("Mutex.Acquire", ErrReentrantAcquire)
	}

	if m.owner == nil && m.waiters.empty() {
		m.owner = t
		return nil
	}

	err := m.s.park(t, shield, func(gen uint64) {
		m.waiters.push(t, gen)
	})
	if err != nil {
		return err
	}

	// ownership was handed over by Release
	if m.owner != t {
		return logicError("Mutex.Acquire", ErrNotOwner)
	}

	return nil
}

// TryAcquire acquires the mutex for the task identified by ctx if that is
// possible without suspending, and reports whether it did. It never
// succeeds while other tasks are waiting.
func (m *Mutex) TryAcquire(ctx context.Context) bool {
	t, err := m.s.caller(ctx, "Mutex.TryAcquire", false)
	if err != nil {
		return false
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if m.owner != nil || !m.waiters.empty() {
		return false
	}

	m.owner = t
	return true
}

// Release releases the mutex, which must be owned by the task identified by
// ctx, handing it to the next waiter, if any.
func (m *Mutex) Release(ctx context.Context) error {
	t, err := m.s.caller(ctx, "Mutex.Release", false)
	if err != nil {
		return err
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if m.owner != t {
		return logicError("Mutex.Release", ErrNotOwner)
	}

	m.releaseLocked()

	return nil
}

func (m *Mutex) releaseLocked() {
	m.owner = nil
	for {
		w, ok := m.waiters.pop()
		if !ok {
			return
		}
		if m.s.wake(w.t, w.gen, nil) {
			m.owner = w.t
			return
		}
	}
}

// Locked reports whether the mutex is owned by any task.
func (m *Mutex) Locked() bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.owner != nil
}

// ownedBy reports whether t owns the mutex. Must be called with the lock
// held.
func (m *Mutex) ownedBy(t *taskCore) bool {
	return m.owner == t
}
