// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coop

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a scheduler that is already being driven.
	ErrLoopAlreadyRunning = errors.New("coop: scheduler is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated scheduler.
	ErrLoopTerminated = errors.New("coop: scheduler has been terminated")

	// ErrReentrantRun is returned when the scheduler is driven from one of its own tasks or callbacks.
	ErrReentrantRun = errors.New("coop: cannot run scheduler from within itself")

	// ErrSchedulerClosed is the cause attached to cancellations delivered during shutdown.
	ErrSchedulerClosed = errors.New("coop: scheduler is shutting down")

	// ErrStopped is returned by RunUntilComplete if Stop is called before the computation finished.
	ErrStopped = errors.New("coop: scheduler stopped before the computation completed")

	// ErrExecutorClosed is returned for jobs submitted to an executor that is shutting down.
	ErrExecutorClosed = errors.New("coop: executor is closed")

	// ErrGoexit is the failure recorded for a task whose goroutine called runtime.Goexit.
	ErrGoexit = errors.New("coop: task goroutine exited via runtime.Goexit")

	// ErrLogic matches every *LogicError, see errors.Is.
	ErrLogic = errors.New("coop: logic error")

	// ErrTimeout matches every *TimeoutError, see errors.Is.
	ErrTimeout = errors.New("coop: timeout")

	// ErrCancelled matches every *CancelledError, see errors.Is.
	ErrCancelled = errors.New("coop: cancelled")

	// errTerminating is returned internally by the driver loop, when shutdown is requested.
	errTerminating = errors.New("coop: scheduler is terminating")

	// errWaitDeadline is returned internally by bounded waits.
	errWaitDeadline = errors.New("coop: wait deadline exceeded")
)

// Causes carried by LogicError.
var (
	ErrAlreadyResolved  = errors.New("future already resolved")
	ErrPending          = errors.New("result is not available yet")
	ErrNotOwner         = errors.New("mutex is not owned by the calling task")
	ErrReentrantAcquire = errors.New("mutex is already owned by the calling task")
	ErrNotInTask        = errors.New("context does not belong to the running task")
	ErrForeignTask      = errors.New("handle belongs to a different scheduler")
	ErrBlockingOnLoop   = errors.New("blocking wait on the scheduler goroutine")
	ErrNilError         = errors.New("nil error")
	ErrOverRelease      = errors.New("semaphore released too many times")
	ErrAwaitSelf        = errors.New("task cannot await itself")
	ErrZeroComputation  = errors.New("zero value computation")
	ErrNilFunc          = errors.New("nil function")
	ErrUnknownMode      = errors.New("unknown wait mode")
)

// LogicError reports misuse of a primitive, e.g. resolving a future twice,
// or waiting on a condition without holding its mutex. It never indicates a
// failure of the work itself.
type LogicError struct {
	Cause error
	Op    string
}

// Error implements the error interface.
func (e *LogicError) Error() string {
	if e.Cause == nil {
		return "coop: " + e.Op + ": logic error"
	}
	return "coop: " + e.Op + ": " + e.Cause.Error()
}

// Unwrap returns the cause.
func (e *LogicError) Unwrap() error {
	return e.Cause
}

// Is matches ErrLogic.
func (e *LogicError) Is(target error) bool {
	return target == ErrLogic
}

func logicError(op string, cause error) error {
	return &LogicError{Op: op, Cause: cause}
}

// TimeoutError is returned when a time-bounded wait expired.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("coop: timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("coop: %s: timed out after %s", e.Op, e.Timeout)
}

// Is matches ErrTimeout and context.DeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// CancelledError is delivered to a task at its suspension point after it was
// cancelled, and is the error recorded for cancelled tasks.
type CancelledError struct {
	// Cause is optional, e.g. ErrSchedulerClosed.
	Cause error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return "coop: cancelled"
	}
	return "coop: cancelled: " + e.Cause.Error()
}

// Unwrap returns the cause, if any.
func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// Is matches ErrCancelled and context.Canceled.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled || target == context.Canceled
}

// PanicError wraps a value recovered from a panicking task or callback.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("coop: task panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// isCancellation reports whether err should end a task in the Cancelled
// state.
func isCancellation(err error, requested bool) bool {
	if errors.Is(err, ErrCancelled) {
		return true
	}
	return requested && errors.Is(err, context.Canceled)
}
