// Package coopprom exports scheduler statistics as Prometheus metrics.
package coopprom

import (
	"github.com/joeycumines/go-coop"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is used when Options.Namespace is empty.
const DefaultNamespace = "coop"

// Options models optional configuration, for NewCollector.
type Options struct {
	// Namespace prefixes every metric name. Defaults to DefaultNamespace.
	Namespace string

	// Subsystem is optional.
	Subsystem string

	// ConstLabels are attached to every metric, e.g. to distinguish
	// schedulers registered with the same registry.
	ConstLabels prometheus.Labels
}

// Collector implements prometheus.Collector, reading Scheduler.Stats and
// (if enabled) Scheduler.Metrics on each scrape.
type Collector struct {
	s *coop.Scheduler

	state      *prometheus.Desc
	tasks      *prometheus.Desc
	ready      *prometheus.Desc
	timers     *prometheus.Desc
	tracked    *prometheus.Desc
	outcomes   *prometheus.Desc
	steps      *prometheus.Desc
	stepTime   *prometheus.Desc
	readyMax   *prometheus.Desc
	ingressAvg *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for s. The options may be nil.
func NewCollector(s *coop.Scheduler, opts *Options) *Collector {
	var cfg Options
	if opts != nil {
		cfg = *opts
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}

	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, cfg.Subsystem, name),
			help,
			labels,
			cfg.ConstLabels,
		)
	}

	return &Collector{
		s:          s,
		state:      desc("scheduler_state", "Current scheduler state, 1 for the state named by the label.", "state"),
		tasks:      desc("tasks_live", "Number of tasks that have not finished."),
		ready:      desc("tasks_ready", "Number of tasks in the ready queue."),
		timers:     desc("timers", "Number of timer entries, including invalidated ones."),
		tracked:    desc("handles_tracked", "Number of handles tracked for unobserved failures."),
		outcomes:   desc("tasks_total", "Number of tasks, by outcome.", "outcome"),
		steps:      desc("steps_total", "Number of task steps."),
		stepTime:   desc("step_duration_seconds", "Duration of recent task steps."),
		readyMax:   desc("tasks_ready_max", "Maximum observed ready queue depth."),
		ingressAvg: desc("ingress_batch_avg", "Moving average of callbacks drained per iteration."),
	}
}

// Describe implements prometheus.Collector.
func (x *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- x.state
	ch <- x.tasks
	ch <- x.ready
	ch <- x.timers
	ch <- x.tracked
	ch <- x.outcomes
	ch <- x.steps
	ch <- x.stepTime
	ch <- x.readyMax
	ch <- x.ingressAvg
}

// Collect implements prometheus.Collector.
func (x *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := x.s.Stats()

	for _, state := range []coop.LoopState{
		coop.StateAwake,
		coop.StateRunning,
		coop.StateSleeping,
		coop.StateTerminating,
		coop.StateTerminated,
	} {
		var v float64
		if stats.State == state {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(x.state, prometheus.GaugeValue, v, state.String())
	}

	ch <- prometheus.MustNewConstMetric(x.tasks, prometheus.GaugeValue, float64(stats.Tasks))
	ch <- prometheus.MustNewConstMetric(x.ready, prometheus.GaugeValue, float64(stats.Ready))
	ch <- prometheus.MustNewConstMetric(x.timers, prometheus.GaugeValue, float64(stats.Timers))
	ch <- prometheus.MustNewConstMetric(x.tracked, prometheus.GaugeValue, float64(stats.Tracked))

	m := x.s.Metrics()
	if m == nil {
		return
	}

	for _, v := range [...]struct {
		outcome string
		count   uint64
	}{
		{"spawned", m.Tasks.Spawned},
		{"completed", m.Tasks.Completed},
		{"cancelled", m.Tasks.Cancelled},
		{"failed", m.Tasks.Failed},
		{"unobserved", m.Tasks.Unobserved},
	} {
		ch <- prometheus.MustNewConstMetric(x.outcomes, prometheus.CounterValue, float64(v.count), v.outcome)
	}

	ch <- prometheus.MustNewConstMetric(x.steps, prometheus.CounterValue, float64(m.TPS.Total()))

	count := m.Latency.Count()
	ch <- prometheus.MustNewConstSummary(
		x.stepTime,
		uint64(count),
		m.Latency.Sum.Seconds(),
		map[float64]float64{
			0.5:  m.Latency.P50.Seconds(),
			0.9:  m.Latency.P90.Seconds(),
			0.95: m.Latency.P95.Seconds(),
			0.99: m.Latency.P99.Seconds(),
		},
	)

	ch <- prometheus.MustNewConstMetric(x.readyMax, prometheus.GaugeValue, float64(m.Queue.ReadyMax))
	ch <- prometheus.MustNewConstMetric(x.ingressAvg, prometheus.GaugeValue, m.Queue.IngressAvg)
}
