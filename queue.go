package coop

import (
	"github.com/eapache/queue"
)

// waiter is a parked task, as of a specific generation. A waiter whose
// generation no longer matches its task is stale, and is skipped.
type waiter struct {
	t   *taskCore
	gen uint64
}

func (w waiter) live() bool {
	return w.t.state == TaskSuspended && w.t.gen == w.gen
}

// waitQueue is a FIFO of waiters. Guarded by the scheduler lock.
type waitQueue struct {
	q *queue.Queue
}

func (x *waitQueue) push(t *taskCore, gen uint64) {
	if x.q == nil {
		x.q = queue.New()
	}
	x.q.Add(waiter{t: t, gen: gen})
}

// pop removes and returns the first live waiter, discarding stale ones.
func (x *waitQueue) pop() (waiter, bool) {
	for x.q != nil && x.q.Length() != 0 {
		w := x.q.Peek().(waiter)
		x.q.Remove()
		if w.live() {
			return w, true
		}
	}
	return waiter{}, false
}

// prune discards stale waiters at the head of the queue.
func (x *waitQueue) prune() {
	for x.q != nil && x.q.Length() != 0 {
		if x.q.Peek().(waiter).live() {
			return
		}
		x.q.Remove()
	}
}

// empty reports whether there are no live waiters at the head.
func (x *waitQueue) empty() bool {
	x.prune()
	return x.q == nil || x.q.Length() == 0
}

// readyQueue is the scheduler's FIFO of runnable tasks.
type readyQueue struct {
	q *queue.Queue
}

func newReadyQueue() readyQueue {
	return readyQueue{q: queue.New()}
}

func (x readyQueue) push(t *taskCore) {
	x.q.Add(t)
}

func (x readyQueue) pop() *taskCore {
	if x.q.Length() == 0 {
		return nil
	}
	t := x.q.Peek().(*taskCore)
	x.q.Remove()
	return t
}

func (x readyQueue) len() int {
	return x.q.Length()
}
