package coop

import (
	"container/heap"
	"time"
)

// timer is an entry in the timer wheel. Exactly one of task or handle is
// set. Task entries wake the task, if it is still parked at generation gen.
type timer struct {
	when   time.Time
	task   *taskCore
	handle *TimerHandle
	seq    uint64
	gen    uint64
}

func (x *timer) stale() bool {
	if x.handle != nil {
		return x.handle.state != timerPending
	}
	return x.task.state != TaskSuspended || x.task.gen != x.gen
}

// timerHeap is a min-heap of timers, ordered by deadline, then insertion.
type timerHeap []timer

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timer{}
	*h = old[:n-1]
	return x
}

// timerWheel owns the timer heap. Guarded by the scheduler lock.
type timerWheel struct {
	heap timerHeap
	seq  uint64
}

func (w *timerWheel) push(t timer) {
	w.seq++
	t.seq = w.seq
	heap.Push(&w.heap, t)
	w.maybeCompact()
}

// next returns the earliest deadline of a live entry.
func (w *timerWheel) next() (time.Time, bool) {
	for len(w.heap) != 0 {
		if !w.heap[0].stale() {
			return w.heap[0].when, true
		}
		heap.Pop(&w.heap)
	}
	return time.Time{}, false
}

// popDue removes all entries with deadlines at or before now, appending the
// live ones to dst, in deadline order.
func (w *timerWheel) popDue(now time.Time, dst []timer) []timer {
	for len(w.heap) != 0 && !w.heap[0].when.After(now) {
		t := heap.Pop(&w.heap).(timer)
		if !t.stale() {
			dst = append(dst, t)
		}
	}
	return dst
}

func (w *timerWheel) len() int {
	return len(w.heap)
}

// maybeCompact rebuilds the heap without stale entries, once they make up
// most of it. Stale entries are otherwise only dropped when they expire.
func (w *timerWheel) maybeCompact() {
	if len(w.heap) < 64 || len(w.heap)&63 != 0 {
		return
	}
	var stale int
	for i := range w.heap {
		if w.heap[i].stale() {
			stale++
		}
	}
	if stale*2 < len(w.heap) {
		return
	}
	live := w.heap[:0]
	for _, t := range w.heap {
		if !t.stale() {
			live = append(live, t)
		}
	}
	clear(w.heap[len(live):])
	w.heap = live
	heap.Init(&w.heap)
}

type timerState uint8

const (
	timerPending timerState = iota
	timerFired
	timerCancelled
)

// TimerHandle is a callback scheduled via Scheduler.ScheduleTimer.
type TimerHandle struct {
	s     *Scheduler
	fn    func()
	when  time.Time
	state timerState
}

// When returns the time the callback is due.
func (x *TimerHandle) When() time.Time {
	return x.when
}

// Cancel prevents the callback from running, returning false if it already
// ran, or was already cancelled. Safe to call from any goroutine.
func (x *TimerHandle) Cancel() bool {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	if x.state != timerPending {
		return false
	}
	x.state = timerCancelled
	return true
}
