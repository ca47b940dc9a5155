package coop

import (
	"context"
	"time"
)

// caller resolves who is waiting: the task identified by ctx, or (if
// allowForeign) a foreign goroutine, in which case the task is nil. A task's
// ctx is only valid on the task's own goroutine.
func (s *Scheduler) caller(ctx context.Context, op string, allowForeign bool) (*taskCore, error) {
	if t := taskFromContext(ctx); t != nil {
		if t.s != s {
			return nil, logicError(op, ErrForeignTask)
		}
		if !t.onOwnGoroutine() {
			return nil, logicError(op, ErrNotInTask)
		}
		return t, nil
	}
	if !allowForeign {
		return nil, logicError(op, ErrNotInTask)
	}
	if s.onSchedulerGoroutine() {
		return nil, logicError(op, ErrBlockingOnLoop)
	}
	return nil, nil
}

// waitLocked waits until cond returns true, re-evaluating it each time one
// of cells settles. A task (t != nil) is parked, otherwise the calling
// goroutine blocks until ctx is done. It returns errWaitDeadline if the
// (optional) deadline passes. Must be called with the lock held, which is
// held again on return.
func (s *Scheduler) waitLocked(ctx context.Context, t *taskCore, cells []*cell, cond func() bool, deadline time.Time) error {
	for !cond() {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return errWaitDeadline
		}
		var err error
		if t != nil {
			err = s.parkOnCells(t, cells, deadline)
		} else {
			err = s.blockOnCells(ctx, cells, deadline)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// parkOnCells parks t until any of cells settles, or the deadline passes.
func (s *Scheduler) parkOnCells(t *taskCore, cells []*cell, deadline time.Time) error {
	var (
		pending []*cell
		hooks   []*settleHook
	)

	err := s.park(t, false, func(gen uint64) {
		wake := func(*cell) { s.wake(t, gen, nil) }
		for _, c := range cells {
			if !c.settled() {
				pending = append(pending, c)
				hooks = append(hooks, c.addHook(wake))
			}
		}
		if !deadline.IsZero() {
			s.timers.push(timer{when: deadline, task: t, gen: gen})
		}
	})

	for i, c := range pending {
		c.removeHook(hooks[i])
	}

	return err
}

// blockOnCells blocks a foreign goroutine until any of cells settles, the
// deadline passes, or ctx is done.
func (s *Scheduler) blockOnCells(ctx context.Context, cells []*cell, deadline time.Time) error {
	ch := make(chan struct{}, 1)
	notify := func(*cell) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	var (
		pending []*cell
		hooks   []*settleHook
	)
	for _, c := range cells {
		if !c.settled() {
			pending = append(pending, c)
			hooks = append(hooks, c.addHook(notify))
		}
	}

	s.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		tm := time.NewTimer(time.Until(deadline))
		defer tm.Stop()
		timeout = tm.C
	}

	var err error
	select {
	case <-ch:
	case <-timeout:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()

	for i, c := range pending {
		c.removeHook(hooks[i])
	}

	return err
}

// awaitCell implements Await for tasks and futures.
func (s *Scheduler) awaitCell(ctx context.Context, op string, c *cell) (any, error) {
	t, err := s.caller(ctx, op, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t != nil && c.task == t {
		return nil, logicError(op, ErrAwaitSelf)
	}

	if err := s.waitLocked(ctx, t, []*cell{c}, c.settled, time.Time{}); err != nil {
		return nil, err
	}

	return c.observeLocked()
}

// cellsOf extracts the cells of aws, checking they belong to s.
func cellsOf[A Awaitable](s *Scheduler, op string, aws []A) ([]*cell, error) {
	cells := make([]*cell, len(aws))
	for i, aw := range aws {
		c := aw.base()
		if c.s != s {
			return nil, logicError(op, ErrForeignTask)
		}
		cells[i] = c
	}
	return cells, nil
}
