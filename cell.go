package coop

// cellState tracks settlement of a cell.
type cellState uint8

const (
	cellPending cellState = iota
	cellResolved
	cellFailed
)

// cell is the settle-once result slot shared by tasks and futures. All
// fields are guarded by the scheduler lock.
type cell struct {
	s     *Scheduler
	task  *taskCore // nil for futures
	value any
	err   error
	hooks []*settleHook
	name  string
	// seq orders settlement across the scheduler, starting at 1.
	seq      uint64
	id       uint64
	status   cellState
	observed bool
}

// settleHook is invoked, with the scheduler lock held, when the cell
// settles. Hooks must not block, or acquire the scheduler lock.
type settleHook struct {
	fn func(c *cell)
}

func (c *cell) settled() bool {
	return c.status != cellPending
}

func (c *cell) addHook(fn func(c *cell)) *settleHook {
	h := &settleHook{fn: fn}
	c.hooks = append(c.hooks, h)
	return h
}

func (c *cell) removeHook(h *settleHook) {
	for i, v := range c.hooks {
		if v == h {
			last := len(c.hooks) - 1
			copy(c.hooks[i:], c.hooks[i+1:])
			c.hooks[last] = nil
			c.hooks = c.hooks[:last]
			return
		}
	}
}

// settleLocked records the outcome, returning false if already settled.
func (c *cell) settleLocked(value any, err error) bool {
	if c.status != cellPending {
		return false
	}
	if err != nil {
		c.status = cellFailed
		c.err = err
	} else {
		c.status = cellResolved
		c.value = value
	}
	c.s.settleSeq++
	c.seq = c.s.settleSeq
	hooks := c.hooks
	c.hooks = nil
	for _, h := range hooks {
		h.fn(c)
	}
	return true
}

// observeLocked marks the outcome as retrieved and returns it.
func (c *cell) observeLocked() (any, error) {
	c.observed = true
	return c.value, c.err
}

// failedUnobserved reports whether the cell should be reported as a failure
// that was never retrieved. Cancellation never counts.
func (c *cell) failedUnobserved() bool {
	if c.status != cellFailed || c.observed {
		return false
	}
	if c.task != nil && c.task.state == TaskCancelled {
		return false
	}
	return !isCancellation(c.err, false)
}

func typedValue[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}
