package coop

import (
	"context"
	"time"

	"github.com/joeycumines/logiface"
)

// reportFailures delivers unobserved failures to the configured handler,
// and logs them, rate limited per name. Must be called without the lock.
func (s *Scheduler) reportFailures(failures []UnobservedFailure) {
	if len(failures) == 0 || s.opts.disableUnobserved {
		return
	}

	for _, f := range failures {
		if s.metrics != nil {
			s.metrics.recordUnobserved()
		}

		if s.opts.unobservedHandler != nil {
			s.safeExecute(func() { s.opts.unobservedHandler(f) })
		}

		if s.logger == nil {
			continue
		}

		// nil limiter allows everything
		if _, ok := s.limiter.Allow(f.Name); !ok {
			continue
		}

		kind := "future"
		if f.Task {
			kind = "task"
		}

		s.logger.Err().
			Str("kind", kind).
			Str("name", f.Name).
			Uint64("id", f.ID).
			Err(f.Err).
			Log("coop: failure was never observed")
	}
}

// Timed wraps fn, logging when it starts, and how long it took, at the
// informational level. The name identifies fn in the logs.
func Timed[T any](logger *logiface.Logger[logiface.Event], name string, fn func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		start := time.Now()

		logger.Info().
			Str("name", name).
			Log("coop: starting")

		value, err := fn(ctx)

		logger.Info().
			Str("name", name).
			Dur("elapsed", time.Since(start)).
			Bool("failed", err != nil).
			Log("coop: finished")

		return value, err
	}
}
