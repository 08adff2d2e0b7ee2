// Package metrics exposes the worker's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProviderSet is metrics providers.
var ProviderSet = wire.NewSet(
	NewRegistry,
	NewCollector,
	wire.Bind(new(Recorder), new(*Collector)),
	wire.Bind(new(prometheus.Registerer), new(*prometheus.Registry)),
	wire.Bind(new(prometheus.Gatherer), new(*prometheus.Registry)),
)

// Recorder 刷新流程的指标接口，orchestrator / scheduler / reaper 使用
type Recorder interface {
	TaskFinished(state string, duration time.Duration)
	TaskSkipped()
	TaskStarted()
	TaskDone()
	CycleFinished(candidates int, duration time.Duration)
	ZombieReaped()
}

// Collector is the Prometheus Recorder.
type Collector struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	skipped      prometheus.Counter
	inFlight     prometheus.Gauge
	cycles       prometheus.Counter
	candidates   prometheus.Histogram
	cycleLatency prometheus.Histogram
	reaped       prometheus.Counter
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewCollector creates the worker metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refresh_worker_tasks_total",
			Help: "Refresh tasks by final state.",
		}, []string{"state"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refresh_worker_task_duration_seconds",
			Help:    "Wall time of refresh tasks by final state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"state"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresh_worker_skipped_total",
			Help: "Candidates skipped because a task for the account was already in flight.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refresh_worker_tasks_in_flight",
			Help: "Refresh tasks currently running.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresh_worker_cycles_total",
			Help: "Completed detection cycles.",
		}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refresh_worker_cycle_candidates",
			Help:    "Candidates detected per cycle.",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refresh_worker_cycle_duration_seconds",
			Help:    "Wall time of detection cycles.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresh_worker_zombies_reaped_total",
			Help: "Zombie child processes collected by the reaper.",
		}),
	}

	reg.MustRegister(
		c.tasks,
		c.taskDuration,
		c.skipped,
		c.inFlight,
		c.cycles,
		c.candidates,
		c.cycleLatency,
		c.reaped,
	)
	return c
}

// TaskFinished records a settled task.
func (c *Collector) TaskFinished(state string, duration time.Duration) {
	c.tasks.WithLabelValues(state).Inc()
	c.taskDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// TaskSkipped records a lock refusal.
func (c *Collector) TaskSkipped() { c.skipped.Inc() }

// TaskStarted increments the in-flight gauge.
func (c *Collector) TaskStarted() { c.inFlight.Inc() }

// TaskDone decrements the in-flight gauge.
func (c *Collector) TaskDone() { c.inFlight.Dec() }

// CycleFinished records one detection cycle.
func (c *Collector) CycleFinished(candidates int, duration time.Duration) {
	c.cycles.Inc()
	c.candidates.Observe(float64(candidates))
	c.cycleLatency.Observe(duration.Seconds())
}

// ZombieReaped records one collected child.
func (c *Collector) ZombieReaped() { c.reaped.Inc() }

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything; used by tests and when metrics are not wired.
type Nop struct{}

func (Nop) TaskFinished(string, time.Duration) {}
func (Nop) TaskSkipped() {}
func (Nop) TaskStarted() {}
func (Nop) TaskDone() {}
func (Nop) CycleFinished(int, time.Duration) {}
func (Nop) ZombieReaped() {}
