// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coop

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/logiface"
)

// Scheduler runs tasks cooperatively: at most one task executes at any
// instant, and control only changes hands at suspension points (Sleep,
// Yield, awaiting, acquiring, waiting). Tasks run on their own goroutines,
// but are stepped one at a time by the goroutine driving the scheduler, via
// RunUntilComplete or RunForever.
//
// Spawning, cancellation, resolving futures, setting events, Submit and
// ScheduleTimer are safe to call from any goroutine.
type Scheduler struct {
	_ [0]func() // prevent copying

	mu       sync.Mutex
	ready    readyQueue
	timers   timerWheel
	tasks    map[uint64]*taskCore // non-terminal
	registry *registry
	current  *taskCore
	overflow []func()
	dueBuf   []timer

	ingress chan func() // nil values are wakeups
	yielded chan struct{}
	done    chan struct{}

	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	metrics *Metrics
	opts    *schedulerOptions

	state         fastState
	wakePending   atomic.Bool
	stopRequested atomic.Bool
	loopGID       atomic.Uint64

	nextID    uint64
	settleSeq uint64
	// sleeping is set while the driver blocks waiting for ingress.
	sleeping bool
	closing  bool
}

// Stats is a point-in-time snapshot of scheduler bookkeeping.
type Stats struct {
	State   LoopState
	Tasks   int // non-terminal tasks
	Ready   int
	Timers  int // includes entries that have been invalidated
	Tracked int // handles tracked for unobserved failures
}

// New creates a new Scheduler.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		ready:    newReadyQueue(),
		tasks:    make(map[uint64]*taskCore),
		registry: newRegistry(),
		ingress:  make(chan func(), cfg.ingressCapacity),
		yielded:  make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.logger,
		opts:     cfg,
	}

	if cfg.metricsEnabled {
		s.metrics = newMetrics()
	}

	if cfg.logger != nil && len(cfg.unobservedRates) != 0 {
		if s.limiter, err = newLimiter(cfg.unobservedRates); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// newLimiter converts the panic catrate.NewLimiter raises for invalid rates
// into an error.
func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coop: invalid unobserved failure rate limit: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// State returns the current state of the scheduler.
func (s *Scheduler) State() LoopState {
	return s.state.Load()
}

// Done is closed once the scheduler has terminated.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the scheduler's bookkeeping.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:   s.state.Load(),
		Tasks:   len(s.tasks),
		Ready:   s.ready.len(),
		Timers:  s.timers.len(),
		Tracked: s.registry.len(),
	}
}

// Metrics returns a snapshot of runtime metrics, or nil if metrics were not
// enabled via WithMetrics.
func (s *Scheduler) Metrics() *Metrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.snapshot()
}

// RunForever drives the scheduler until Stop or Shutdown is called, or ctx
// is done. It returns nil when stopped, and may be called again afterwards.
func (s *Scheduler) RunForever(ctx context.Context) error {
	err := s.run(ctx, nil)
	if err == ErrStopped {
		return nil
	}
	return err
}

// Stop requests that the goroutine driving the scheduler returns, at the
// next iteration. It has no effect if the scheduler is not being driven.
// Safe to call from any goroutine.
func (s *Scheduler) Stop() {
	s.stopRequested.Store(true)
	s.wakeup()
}

// Shutdown cancels every live task, waits for them to finish, fails any
// pending futures, reports unobserved failures, then terminates the
// scheduler. If the scheduler is being driven by another goroutine, that
// goroutine performs the shutdown, and Shutdown waits for it.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if taskFromContext(ctx) != nil || s.onSchedulerGoroutine() {
		return ErrReentrantRun
	}
	for {
		switch state := s.state.Load(); state {
		case StateTerminated:
			return ErrLoopTerminated

		case StateTerminating:
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateAwake:
			if s.state.TryTransition(StateAwake, StateTerminating) {
				s.loopGID.Store(getGoroutineID())
				return s.terminate(ctx)
			}

		default:
			if s.state.TryTransition(state, StateTerminating) {
				s.wakeup()
				select {
				case <-s.done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Close is Shutdown, without a deadline.
func (s *Scheduler) Close() error {
	return s.Shutdown(context.Background())
}

// Submit schedules fn to run on the goroutine driving the scheduler, outside
// of any task. It must not block. Safe to call from any goroutine.
func (s *Scheduler) Submit(fn func()) error {
	if fn == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || s.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	// once spilled, everything goes to overflow until it drains, preserving order
	if len(s.overflow) == 0 {
		select {
		case s.ingress <- fn:
			return nil
		default:
		}
		s.logger.Warning().
			Int("capacity", cap(s.ingress)).
			Log("coop: ingress channel full, spilling to overflow")
	}

	s.overflow = append(s.overflow, fn)
	s.signal()

	return nil
}

// ScheduleTimer schedules fn to run on the goroutine driving the scheduler,
// after delay. It must not block. Safe to call from any goroutine.
func (s *Scheduler) ScheduleTimer(delay time.Duration, fn func()) (*TimerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || s.state.Load() == StateTerminated {
		return nil, ErrLoopTerminated
	}

	h := &TimerHandle{s: s, fn: fn, when: time.Now().Add(delay)}
	s.timers.push(timer{when: h.when, handle: h})
	s.signal()

	return h, nil
}

// Sleep suspends the task identified by ctx for at least d. A non-positive
// d is equivalent to Yield.
func Sleep(ctx context.Context, d time.Duration) error {
	t := taskFromContext(ctx)
	if t == nil || !t.onOwnGoroutine() {
		return logicError("Sleep", ErrNotInTask)
	}
	if d <= 0 {
		return Yield(ctx)
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	when := time.Now().Add(d)
	return s.park(t, false, func(gen uint64) {
		s.timers.push(timer{when: when, task: t, gen: gen})
	})
}

// Yield suspends the task identified by ctx, moving it to the back of the
// ready queue.
func Yield(ctx context.Context) error {
	t := taskFromContext(ctx)
	if t == nil || !t.onOwnGoroutine() {
		return logicError("Yield", ErrNotInTask)
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.park(t, false, func(gen uint64) {
		s.wake(t, gen, nil)
	})
}

// run implements RunForever and RunUntilComplete.
func (s *Scheduler) run(ctx context.Context, until func() bool) error {
	if taskFromContext(ctx) != nil || s.onSchedulerGoroutine() {
		return ErrReentrantRun
	}

	if !s.state.TryTransition(StateAwake, StateRunning) {
		switch s.state.Load() {
		case StateTerminated, StateTerminating:
			return ErrLoopTerminated
		default:
			return ErrLoopAlreadyRunning
		}
	}

	s.stopRequested.Store(false)
	s.loopGID.Store(getGoroutineID())

	s.logger.Debug().Log("coop: scheduler running")

	err := s.loop(ctx, until, false)

	if err == errTerminating || !s.state.TryTransition(StateRunning, StateAwake) {
		// shutdown was requested, and falls to this goroutine
		if terr := s.terminate(ctx); err == errTerminating {
			err = terr
			if err == nil {
				err = ErrLoopTerminated
			}
		}
		return err
	}

	s.loopGID.Store(0)
	s.logger.Debug().Log("coop: scheduler paused")

	return err
}

// loop is the main driver loop. It returns nil once until returns true
// (evaluated with the lock held), ErrStopped, errTerminating, or the error
// from ctx.
func (s *Scheduler) loop(ctx context.Context, until func() bool, shuttingDown bool) error {
	budget := s.opts.tickBudget
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.runTimers()

		s.wakePending.Store(false)
		s.drainIngress()

		s.mu.Lock()

		for range budget {
			t := s.ready.pop()
			if t == nil {
				break
			}
			s.step(t)
		}

		var failures []UnobservedFailure
		if s.opts.scavengeBatch > 0 {
			failures = s.registry.scavengeLocked(s.opts.scavengeBatch, failures)
		}

		if s.metrics != nil {
			s.metrics.Queue.UpdateReady(s.ready.len())
		}

		if until != nil && until() {
			s.mu.Unlock()
			s.reportFailures(failures)
			return nil
		}

		if !shuttingDown {
			if s.stopRequested.Load() {
				s.mu.Unlock()
				s.reportFailures(failures)
				return ErrStopped
			}
			if s.state.Load() == StateTerminating {
				s.mu.Unlock()
				s.reportFailures(failures)
				return errTerminating
			}
		}

		var (
			deadline    time.Time
			hasDeadline bool
		)
		if s.ready.len() == 0 && len(s.overflow) == 0 {
			deadline, hasDeadline = s.timers.next()
			s.sleeping = !hasDeadline || deadline.After(time.Now())
			if s.sleeping {
				s.state.TryTransition(StateRunning, StateSleeping)
			}
		}
		sleeping := s.sleeping

		s.mu.Unlock()

		s.reportFailures(failures)

		if sleeping {
			err := s.idleWait(ctx, deadline, hasDeadline)

			s.mu.Lock()
			s.sleeping = false
			s.state.TryTransition(StateSleeping, StateRunning)
			s.mu.Unlock()

			if err != nil {
				return err
			}
		}
	}
}

// step resumes t, blocking until it parks or finishes. Must be called with
// the lock held, which is released for the duration.
func (s *Scheduler) step(t *taskCore) {
	if t.state != TaskScheduled {
		return
	}

	if !t.started && t.cancelPending {
		s.finishLocked(t, nil, t.cancelErr())
		return
	}

	first := !t.started
	t.started = true
	t.state = TaskRunning
	s.current = t

	s.mu.Unlock()

	var start time.Time
	if s.metrics != nil {
		start = time.Now()
	}

	if first {
		go s.runTask(t)
	} else {
		t.resume <- struct{}{}
	}
	<-s.yielded

	if s.metrics != nil {
		s.metrics.Latency.Record(time.Since(start))
		s.metrics.TPS.Increment()
	}

	s.mu.Lock()
}

// runTask is the body of each task goroutine.
func (s *Scheduler) runTask(t *taskCore) {
	t.gid.Store(getGoroutineID())

	var (
		value    any
		err      error
		returned bool
	)

	defer func() {
		if !returned {
			if r := recover(); r != nil {
				err = PanicError{Value: r}
				s.logger.Err().
					Uint64("task_id", t.id).
					Str("task", t.name).
					Interface("panic", r).
					Log("coop: task panicked")
			} else {
				err = ErrGoexit
			}
		}

		s.mu.Lock()
		s.finishLocked(t, value, err)
		s.current = nil
		s.mu.Unlock()

		s.yielded <- struct{}{}
	}()

	value, err = t.fn(t.ctx)
	returned = true
}

// park suspends t until woken, returning the error it was woken with, e.g.
// a CancelledError. Must be called with the lock held, by t's goroutine,
// while t holds the baton. The lock is held again on return. Any other
// caller gets a LogicError, and t is left running.
//
// The register callback is called with the new generation, and should
// enqueue t wherever it will be woken from. A shielded park cannot be
// interrupted by cancellation, which instead remains pending.
func (s *Scheduler) park(t *taskCore, shield bool, register func(gen uint64)) error {
	if s.current != t || !t.onOwnGoroutine() {
		return logicError("park", ErrNotInTask)
	}

	if !shield {
		if t.cancelPending {
			t.cancelPending = false
			return t.cancelErr()
		}
		if s.closing {
			return &CancelledError{Cause: ErrSchedulerClosed}
		}
	}

	t.gen++
	t.state = TaskSuspended
	t.shielded = shield
	t.wakeErr = nil
	register(t.gen)

	s.current = nil

	s.mu.Unlock()
	s.yielded <- struct{}{}
	<-t.resume
	s.mu.Lock()

	t.shielded = false
	err := t.wakeErr
	t.wakeErr = nil
	return err
}

// wake moves t to the ready queue, if it is still parked at generation gen.
// Must be called with the lock held.
func (s *Scheduler) wake(t *taskCore, gen uint64, err error) bool {
	if t.state != TaskSuspended || t.gen != gen {
		return false
	}
	t.gen++
	t.state = TaskScheduled
	t.wakeErr = err
	s.ready.push(t)
	s.signal()
	return true
}

// cancelLocked requests cancellation of t. Must be called with the lock held.
func (s *Scheduler) cancelLocked(t *taskCore, cause error) bool {
	if t.state.Terminal() {
		return false
	}

	if !t.cancelRequested {
		t.cancelRequested = true
		t.cancelCause = cause
		t.cancelCtx(&CancelledError{Cause: cause})
	}

	if t.state == TaskSuspended && !t.shielded {
		t.cancelPending = false
		s.wake(t, t.gen, t.cancelErr())
	} else {
		t.cancelPending = true
	}

	return true
}

// finishLocked settles t. Must be called with the lock held.
func (s *Scheduler) finishLocked(t *taskCore, value any, err error) {
	if t.state.Terminal() {
		return
	}

	switch {
	case err == nil:
		t.state = TaskCompleted
	case isCancellation(err, t.cancelRequested):
		t.state = TaskCancelled
		if _, ok := err.(*CancelledError); !ok {
			err = &CancelledError{Cause: err}
		}
	default:
		t.state = TaskFailed
	}

	delete(s.tasks, t.id)
	t.fn = nil
	t.cancelCtx(nil)

	if s.metrics != nil {
		s.metrics.recordTask(t.state)
	}

	t.settleLocked(value, err)
}

// signal wakes the driver, if it is blocked. Must be called with the lock held.
func (s *Scheduler) signal() {
	if s.sleeping {
		s.wakeup()
	}
}

// wakeup sends a deduplicated wakeup to the driver.
func (s *Scheduler) wakeup() {
	if s.wakePending.CompareAndSwap(false, true) {
		select {
		case s.ingress <- nil:
		default:
			// full, the driver will wake anyway
		}
	}
}

// runTimers fires all expired timers.
func (s *Scheduler) runTimers() {
	s.mu.Lock()

	if s.timers.len() == 0 {
		s.mu.Unlock()
		return
	}

	due := s.timers.popDue(time.Now(), s.dueBuf[:0])

	var callbacks []func()
	for i := range due {
		if due[i].handle != nil {
			due[i].handle.state = timerFired
			if due[i].handle.fn != nil {
				callbacks = append(callbacks, due[i].handle.fn)
			}
		} else {
			s.wake(due[i].task, due[i].gen, nil)
		}
	}

	clear(due)
	s.dueBuf = due[:0]

	s.mu.Unlock()

	for _, fn := range callbacks {
		s.safeExecute(fn)
	}
}

// drainIngress runs everything submitted since the last drain, without
// blocking.
func (s *Scheduler) drainIngress() {
	var batch []func()

	// MinSize < 0 without a partial timeout makes this non-blocking
	_ = longpoll.Channel(context.Background(), &longpoll.ChannelConfig{
		MaxSize:        cap(s.ingress),
		MinSize:        -1,
		PartialTimeout: -1,
	}, s.ingress, func(fn func()) error {
		if fn != nil {
			batch = append(batch, fn)
		}
		return nil
	})

	s.mu.Lock()
	if len(s.overflow) != 0 {
		batch = append(batch, s.overflow...)
		clear(s.overflow)
		s.overflow = s.overflow[:0]
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Queue.UpdateIngress(len(batch))
	}

	for _, fn := range batch {
		s.safeExecute(fn)
	}
}

// idleWait blocks until something is submitted, the deadline (if any) is
// reached, or ctx is done. Only errors from ctx are returned.
func (s *Scheduler) idleWait(ctx context.Context, deadline time.Time, hasDeadline bool) error {
	waitCtx := ctx
	if hasDeadline {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var batch []func()

	err := longpoll.Channel(waitCtx, &longpoll.ChannelConfig{
		MaxSize:        cap(s.ingress),
		MinSize:        1,
		PartialTimeout: -1,
	}, s.ingress, func(fn func()) error {
		if fn != nil {
			batch = append(batch, fn)
		}
		return nil
	})

	for _, fn := range batch {
		s.safeExecute(fn)
	}

	if err != nil {
		return ctx.Err()
	}
	return nil
}

// terminate performs shutdown, on the goroutine that holds the driver role.
func (s *Scheduler) terminate(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*taskCore, 0, len(s.tasks))
	for _, t := range s.tasks {
		live = append(live, t)
	}
	slices.SortFunc(live, func(a, b *taskCore) int {
		return cmp.Compare(a.id, b.id)
	})
	for _, t := range live {
		s.cancelLocked(t, ErrSchedulerClosed)
	}
	s.mu.Unlock()

	s.logger.Debug().
		Int("tasks", len(live)).
		Log("coop: scheduler shutting down")

	err := s.loop(ctx, func() bool { return len(s.tasks) == 0 }, true)

	s.mu.Lock()
	failures := s.registry.closeLocked(&CancelledError{Cause: ErrSchedulerClosed}, nil)
	s.timers = timerWheel{}
	clear(s.overflow)
	s.overflow = nil
	s.mu.Unlock()

	s.reportFailures(failures)

	s.loopGID.Store(0)
	s.state.Store(StateTerminated)
	close(s.done)

	s.logger.Debug().Log("coop: scheduler terminated")

	return err
}

// safeExecute runs a callback, recovering and logging any panic.
func (s *Scheduler) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Err().
				Interface("panic", r).
				Log("coop: callback panicked")
		}
	}()
	fn()
}

// onSchedulerGoroutine reports whether the caller is the driving goroutine,
// or the goroutine of the task currently holding the baton.
func (s *Scheduler) onSchedulerGoroutine() bool {
	gid := getGoroutineID()
	if gid == s.loopGID.Load() {
		return true
	}
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	return current != nil && current.gid.Load() == gid
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
