// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger            *logiface.Logger[logiface.Event]
	unobservedHandler func(UnobservedFailure)
	unobservedRates   map[time.Duration]int
	tickBudget        int
	ingressCapacity   int
	scavengeBatch     int
	metricsEnabled    bool
	disableUnobserved bool
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger configures structured logging for the scheduler. A nil logger
// disables logging, which is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection, see Scheduler.Metrics.
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithTickBudget limits the number of ready tasks stepped per loop
// iteration, before timers and the ingress queue are serviced again.
// Defaults to 1024.
func WithTickBudget(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return errors.New("coop: tick budget must be positive")
		}
		opts.tickBudget = n
		return nil
	}}
}

// WithIngressCapacity sets the buffer size of the channel used by
// Scheduler.Submit and by wakeups from foreign goroutines. Submissions
// exceeding it are queued in an overflow buffer. Defaults to 256.
func WithIngressCapacity(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return errors.New("coop: ingress capacity must be positive")
		}
		opts.ingressCapacity = n
		return nil
	}}
}

// WithScavengeBatch sets how many tracked handles are checked per loop
// iteration, when looking for failures that were never observed.
// Defaults to 20.
func WithScavengeBatch(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n < 0 {
			return errors.New("coop: scavenge batch must not be negative")
		}
		opts.scavengeBatch = n
		return nil
	}}
}

// WithUnobservedFailureHandler registers a callback, invoked on the
// scheduler goroutine, for each task or future that failed without its
// error ever being retrieved. Cancellation is never reported.
func WithUnobservedFailureHandler(fn func(UnobservedFailure)) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.unobservedHandler = fn
		return nil
	}}
}

// WithUnobservedFailureRateLimit limits how often unobserved failures are
// logged, per task name. The rates map has the same semantics as
// catrate.NewLimiter. A nil map disables limiting. Defaults to 10 per
// second and 100 per minute.
func WithUnobservedFailureRateLimit(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.unobservedRates = rates
		return nil
	}}
}

// WithUnobservedFailureTracking toggles tracking of failures that were
// never observed. Enabled by default.
func WithUnobservedFailureTracking(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.disableUnobserved = !enabled
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		tickBudget:      1024,
		ingressCapacity: 256,
		scavengeBatch:   20,
		unobservedRates: map[time.Duration]int{
			time.Second: 10,
			time.Minute: 100,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// taskOptions holds configuration for a single task.
type taskOptions struct {
	name string
}

// TaskOption configures a task created by Spawn.
type TaskOption interface {
	applyTask(*taskOptions)
}

type taskOptionImpl struct {
	applyTaskFunc func(*taskOptions)
}

func (o *taskOptionImpl) applyTask(opts *taskOptions) {
	o.applyTaskFunc(opts)
}

// WithTaskName sets the task's name, used in logs and diagnostics.
// Defaults to "task-<id>".
func WithTaskName(name string) TaskOption {
	return &taskOptionImpl{func(opts *taskOptions) {
		opts.name = name
	}}
}

func resolveTaskOptions(opts []TaskOption) taskOptions {
	var cfg taskOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyTask(&cfg)
		}
	}
	return cfg
}

// WaitOption configures WaitAny and AsCompleted.
type WaitOption interface {
	applyWait(*waitOptions)
}

type waitOptions struct {
	timeout time.Duration
}

type waitOptionImpl struct {
	applyWaitFunc func(*waitOptions)
}

func (o *waitOptionImpl) applyWait(opts *waitOptions) {
	o.applyWaitFunc(opts)
}

// WithTimeout bounds the wait. For WaitAny the partition is returned as-is
// once the timeout elapses. For AsCompleted, Next returns a TimeoutError for
// any handle not completed in time. Non-positive values disable the timeout.
func WithTimeout(d time.Duration) WaitOption {
	return &waitOptionImpl{func(opts *waitOptions) {
		opts.timeout = d
	}}
}

func resolveWaitOptions(opts []WaitOption) waitOptions {
	var cfg waitOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyWait(&cfg)
		}
	}
	return cfg
}
