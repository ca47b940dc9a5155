package coop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for a scheduler, enabled via
// WithMetrics. Scheduler.Metrics returns a snapshot, with percentiles
// already computed.
//
// Thread Safety:
//   - All Metrics methods are thread-safe and can be called from any goroutine.
//   - LatencyMetrics and QueueMetrics are guarded by their own locks.
//   - TPSCounter is shared between snapshots, and uses atomic operations and
//     a mutex for rotation.
//
// Example:
//
//	s, _ := coop.New(coop.WithMetrics(true))
//	_ = s.RunForever(ctx)
//	m := s.Metrics()
//	fmt.Printf("TPS: %.2f, P99 step: %v, failed: %d\n",
//		m.TPS.TPS(), m.Latency.P99, m.Tasks.Failed)
type Metrics struct {
	mu sync.Mutex

	// Latency of each task step, i.e. the time a task held the baton.
	Latency LatencyMetrics

	// Steps per second.
	TPS *TPSCounter

	// Queue depth metrics
	Queue QueueMetrics

	// Task lifecycle counters
	Tasks TaskCounts
}

// TaskCounts counts tasks by outcome.
type TaskCounts struct {
	Spawned   uint64
	Completed uint64
	Cancelled uint64
	Failed    uint64
	// Unobserved counts failures reported as never retrieved.
	Unobserved uint64
}

func newMetrics() *Metrics {
	return &Metrics{
		TPS: NewTPSCounter(10*time.Second, 100*time.Millisecond),
	}
}

func (m *Metrics) recordSpawn() {
	m.mu.Lock()
	m.Tasks.Spawned++
	m.mu.Unlock()
}

func (m *Metrics) recordTask(state TaskState) {
	m.mu.Lock()
	switch state {
	case TaskCompleted:
		m.Tasks.Completed++
	case TaskCancelled:
		m.Tasks.Cancelled++
	case TaskFailed:
		m.Tasks.Failed++
	}
	m.mu.Unlock()
}

func (m *Metrics) recordUnobserved() {
	m.mu.Lock()
	m.Tasks.Unobserved++
	m.mu.Unlock()
}

func (m *Metrics) snapshot() *Metrics {
	out := &Metrics{TPS: m.TPS}

	m.mu.Lock()
	out.Tasks = m.Tasks
	m.mu.Unlock()

	m.Latency.copyTo(&out.Latency)
	m.Queue.copyTo(&out.Queue)

	out.Latency.Sample()

	return out
}

// LatencyMetrics tracks latency distribution with percentiles.
type LatencyMetrics struct {
	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration

	// Computed percentiles (cached after Sample() call)
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration

	// Statistics
	Mean time.Duration
	Sum  time.Duration
	mu   sync.RWMutex
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// Record records a latency sample.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// full, subtract the sample being replaced
	if l.sampleCount >= sampleSize {
		l.Sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = duration
	l.Sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from collected samples, returning the number
// of samples used.
func (l *LatencyMetrics) Sample() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.sampleCount
	if count == 0 {
		return 0
	}

	sorted := make([]time.Duration, count)
	copy(sorted, l.samples[:count])
	slices.Sort(sorted)

	l.P50 = sorted[percentileIndex(count, 50)]
	l.P90 = sorted[percentileIndex(count, 90)]
	l.P95 = sorted[percentileIndex(count, 95)]
	l.P99 = sorted[percentileIndex(count, 99)]
	l.Max = sorted[count-1]
	l.Mean = l.Sum / time.Duration(count)

	return count
}

// Count returns the number of retained samples.
func (l *LatencyMetrics) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sampleCount
}

func (l *LatencyMetrics) copyTo(dst *LatencyMetrics) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dst.sampleIdx = l.sampleIdx
	dst.sampleCount = l.sampleCount
	dst.samples = l.samples
	dst.Sum = l.Sum
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueMetrics tracks queue depth statistics.
type QueueMetrics struct {
	mu sync.RWMutex

	// Current queue depths
	ReadyCurrent   int
	IngressCurrent int

	// Maximum observed depths
	ReadyMax   int
	IngressMax int

	// Average depths (exponential moving average with alpha=0.1)
	ReadyAvg   float64
	IngressAvg float64

	readyEMAInitialized   bool
	ingressEMAInitialized bool
}

// UpdateReady updates the ready queue depth metrics.
func (q *QueueMetrics) UpdateReady(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	updateDepth(depth, &q.ReadyCurrent, &q.ReadyMax, &q.ReadyAvg, &q.readyEMAInitialized)
}

// UpdateIngress updates the ingress depth metrics, i.e. the number of
// callbacks drained per iteration.
func (q *QueueMetrics) UpdateIngress(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	updateDepth(depth, &q.IngressCurrent, &q.IngressMax, &q.IngressAvg, &q.ingressEMAInitialized)
}

func updateDepth(depth int, current, maximum *int, avg *float64, initialized *bool) {
	*current = depth
	if depth > *maximum {
		*maximum = depth
	}
	// warmstart: initialize to the first observed value
	if !*initialized {
		*avg = float64(depth)
		*initialized = true
	} else {
		*avg = 0.9**avg + 0.1*float64(depth)
	}
}

func (q *QueueMetrics) copyTo(dst *QueueMetrics) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	dst.ReadyCurrent = q.ReadyCurrent
	dst.IngressCurrent = q.IngressCurrent
	dst.ReadyMax = q.ReadyMax
	dst.IngressMax = q.IngressMax
	dst.ReadyAvg = q.ReadyAvg
	dst.IngressAvg = q.IngressAvg
	dst.readyEMAInitialized = q.readyEMAInitialized
	dst.ingressEMAInitialized = q.ingressEMAInitialized
}

// TPSCounter tracks events per second with a rolling window, made up of
// fixed size buckets. At startup, TPS under-reports until the window fills.
//
// Thread Safety: All methods (Increment, TPS, Total) are thread-safe.
type TPSCounter struct {
	lastRotation time.Time // guarded by mu
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	totalCount   atomic.Int64
	mu           sync.Mutex
}

// NewTPSCounter creates a new TPS counter.
// windowSize is the time window for TPS calculation (e.g., 10*time.Second).
// bucketSize is the granularity of the rolling window (e.g., 100*time.Millisecond).
func NewTPSCounter(windowSize, bucketSize time.Duration) *TPSCounter {
	bucketCount := 1
	if bucketSize > 0 {
		bucketCount = max(int(windowSize/bucketSize), 1)
	} else {
		bucketSize = windowSize
	}
	counter := &TPSCounter{
		buckets:      make([]int64, bucketCount),
		bucketSize:   bucketSize,
		windowSize:   windowSize,
		lastRotation: time.Now(),
	}
	return counter
}

// Increment records an event.
func (t *TPSCounter) Increment() {
	t.totalCount.Add(1)
	t.mu.Lock()
	t.rotateLocked(time.Now())
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

// Total returns the number of events recorded since creation.
func (t *TPSCounter) Total() int64 {
	return t.totalCount.Load()
}

// rotateLocked advances the buckets if time has passed. Must be called with
// mu held.
func (t *TPSCounter) rotateLocked(now time.Time) {
	if t.bucketSize <= 0 {
		return
	}

	bucketsToAdvance := int(now.Sub(t.lastRotation) / t.bucketSize)

	if bucketsToAdvance >= len(t.buckets) {
		clear(t.buckets)
		t.lastRotation = now
		return
	}

	if bucketsToAdvance > 0 {
		n := copy(t.buckets, t.buckets[bucketsToAdvance:])
		clear(t.buckets[n:])
		t.lastRotation = t.lastRotation.Add(time.Duration(bucketsToAdvance) * t.bucketSize)
	}
}

// TPS returns the current events per second.
func (t *TPSCounter) TPS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rotateLocked(time.Now())

	var sum int64
	for _, count := range t.buckets {
		sum += count
	}

	if sum == 0 || t.windowSize <= 0 {
		return 0
	}

	return float64(sum) / t.windowSize.Seconds()
}
