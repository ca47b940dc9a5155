// Package coop provides cooperative concurrency primitives for Go: a
// single-threaded task [Scheduler], with a [Mutex], condition variable
// ([Cond]), [Event], [Semaphore], one-shot [Future], and combinators for
// composing tasks.
//
// # Architecture
//
// Each task created by [Spawn] runs on its own goroutine, but only ever
// while holding the scheduler's baton, which is passed between tasks by the
// goroutine driving the scheduler ([RunUntilComplete] or
// [Scheduler.RunForever]). A task gives up the baton only at a suspension
// point: [Sleep], [Yield], awaiting a [Task] or [Future], acquiring a
// [Mutex] or [Semaphore], or waiting on a [Cond] or [Event]. Code between
// suspension points runs without interleaving, so state shared between
// tasks of one scheduler needs no further synchronization.
//
// The context passed to each task identifies it, and must be passed to
// every suspending operation. Passing any other context to an operation
// that requires a task is a [LogicError].
//
// # Ordering
//
//   - The ready queue is FIFO. A task woken before another runs first.
//   - Mutex, Cond and Semaphore waiters are released in arrival order.
//   - Event and Future wake every waiter at once, in unspecified order.
//   - Timers fire in deadline order, ties broken by scheduling order.
//
// # Cancellation
//
// [Task.Cancel] is cooperative: a suspended task is woken with a
// [CancelledError], a running task observes it at its next suspension
// point, and a task that has not started never runs. The task's context is
// canceled too, for the benefit of code that is not scheduler aware. A task
// that returns the CancelledError (or any error matching [ErrCancelled])
// ends in the Cancelled state.
//
// # Thread Safety
//
// Handles may be used from any goroutine:
//   - [Spawn], [Task.Cancel], [Future.Resolve], [Future.Fail], [Event.Set],
//     [Semaphore.Release], [Scheduler.Submit] and [Scheduler.ScheduleTimer]
//     are safe to call from anywhere
//   - awaiting from a goroutine that is not a task blocks that goroutine,
//     until the outcome is available or the context is done
//   - [RunInExecutor] offloads blocking work to an [Executor], bridging the
//     outcome back via a Future
//
// # Unobserved Failures
//
// A task or future that fails, and whose error is never retrieved before
// its handle is garbage collected (or the scheduler shuts down), is
// reported via [WithUnobservedFailureHandler], and logged. Cancellation is
// never reported.
//
// # Usage
//
//	s, err := coop.New(coop.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	sum, err := coop.RunUntilComplete(ctx, s, coop.Thunk(func(ctx context.Context) (int, error) {
//	    a := coop.Spawn(s, fetch(1))
//	    b := coop.Spawn(s, fetch(2))
//	    values, err := coop.Gather(ctx, a, b)
//	    if err != nil {
//	        return 0, err
//	    }
//	    return values[0] + values[1], nil
//	}))
package coop
