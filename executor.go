package coop

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/logiface"
)

// ExecutorConfig models optional configuration, for NewExecutor.
type ExecutorConfig struct {
	// Logger receives executor diagnostics, may be nil.
	Logger *logiface.Logger[logiface.Event]

	// MaxConcurrency limits the number of batches running at once, if
	// positive. Defaults to 4, if 0.
	MaxConcurrency int

	// MaxBatchSize limits the number of jobs per batch. Jobs within a batch
	// run concurrently. Defaults to 16, if 0.
	MaxBatchSize int

	// FlushInterval is the maximum time an incomplete batch waits for more
	// jobs. Defaults to 1ms, if 0.
	FlushInterval time.Duration
}

// Executor runs blocking or CPU-bound work on its own goroutines, outside
// of any scheduler, see RunInExecutor. Jobs are grouped into small batches,
// and the number of batches running at once is bounded. Jobs that block
// must return once their context is canceled, or Close will not return.
type Executor struct {
	batcher    *microbatch.Batcher[*executorJob]
	logger     *logiface.Logger[logiface.Event]
	pending    sync.WaitGroup
	submitting sync.WaitGroup
	mu         sync.Mutex
	closed     bool
}

type executorJob struct {
	fn func(ctx context.Context)
}

// NewExecutor initializes a new Executor. The config may be nil. Shutdown or
// Close should be called once it is no longer needed.
func NewExecutor(config *ExecutorConfig) *Executor {
	var cfg ExecutorConfig
	if config != nil {
		cfg = *config
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 16
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Millisecond
	}

	x := &Executor{logger: cfg.Logger}

	x.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        cfg.MaxBatchSize,
		FlushInterval:  cfg.FlushInterval,
		MaxConcurrency: cfg.MaxConcurrency,
	}, x.process)

	return x
}

func (x *Executor) process(ctx context.Context, jobs []*executorJob) error {
	x.logger.Trace().
		Int("jobs", len(jobs)).
		Log("coop: executor running batch")

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Go(func() { job.fn(ctx) })
	}
	wg.Wait()

	return nil
}

// Shutdown prevents further jobs, then waits for every accepted job to
// finish. If ctx is done first, the context passed to running jobs is
// canceled, and the error from ctx is returned.
func (x *Executor) Shutdown(ctx context.Context) error {
	x.close()

	// jobs accepted before close must reach the batcher
	submitted := make(chan struct{})
	go func() {
		x.submitting.Wait()
		close(submitted)
	}()
	select {
	case <-submitted:
	case <-ctx.Done():
	}

	err := x.batcher.Shutdown(ctx)
	x.pending.Wait()
	return err
}

// Close is Shutdown, canceling running jobs immediately.
func (x *Executor) Close() error {
	x.close()
	err := x.batcher.Close()
	x.pending.Wait()
	return err
}

func (x *Executor) close() {
	x.mu.Lock()
	x.closed = true
	x.mu.Unlock()
}

// RunInExecutor runs fn on x, returning a future bound to s that settles
// with its outcome. The outcome is handed back via Scheduler.Submit, so the
// future settles on the goroutine driving s (directly, if s is shutting
// down). A panic fails the future with a PanicError. If x is closed, the
// future fails with ErrExecutorClosed.
//
// Safe to call from any goroutine, including tasks of s.
func RunInExecutor[T any](s *Scheduler, x *Executor, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := NewFuture[T](s)

	if fn == nil {
		_ = f.Fail(logicError("RunInExecutor", ErrNilFunc))
		return f
	}

	deliver := func(value T, err error) {
		settle := func() {
			if err != nil {
				_ = f.Fail(err)
			} else {
				_ = f.Resolve(value)
			}
		}
		if s.Submit(settle) != nil {
			settle()
		}
	}

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		var zero T
		deliver(zero, ErrExecutorClosed)
		return f
	}
	x.pending.Add(1)
	x.submitting.Add(1)
	x.mu.Unlock()

	job := &executorJob{fn: func(ctx context.Context) {
		value, err := callRecover(ctx, fn)
		if _, ok := err.(PanicError); ok {
			x.logger.Err().
				Err(err).
				Log("coop: executor job panicked")
		}
		deliver(value, err)
	}}

	go func() {
		defer x.pending.Done()

		result, err := x.batcher.Submit(context.Background(), job)
		x.submitting.Done()
		if err != nil {
			var zero T
			deliver(zero, ErrExecutorClosed)
			return
		}

		if err := result.Wait(context.Background()); err != nil {
			var zero T
			deliver(zero, err)
		}
	}()

	return f
}

func callRecover[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, err = zero, PanicError{Value: r}
		}
	}()
	return fn(ctx)
}
