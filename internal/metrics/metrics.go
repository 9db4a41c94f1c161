// Package metrics builds the process's Prometheus metric set. Grounded
// on the teacher's ws/metrics.go (same counters/gauges-per-concern
// split, same promhttp exposition, names prefixed collector_), but
// built as an explicit Bootstrap() value holding its own
// prometheus.Registry instead of the teacher's package-level vars
// registered on prometheus.DefaultRegisterer — per spec.md §9's
// redesign note against module-scope singletons.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the collector exposes, satisfying
// runner.Metrics, platform.Metrics, and pipeline/spool/replay's ad hoc
// observability calls.
type Metrics struct {
	registry *prometheus.Registry

	wsConnected   *prometheus.GaugeVec
	reconnects    *prometheus.CounterVec
	deadletters   *prometheus.CounterVec
	unknownFrames *prometheus.CounterVec

	dedupDropped   *prometheus.CounterVec
	sinkWrites     prometheus.Counter
	sinkFailures   prometheus.Counter
	spoolWrites    prometheus.Counter
	spoolDropped   prometheus.Counter
	spoolBacklog   prometheus.Gauge
	replayBatches  prometheus.Counter
	replayRecords  prometheus.Counter
	breakerOpens   *prometheus.CounterVec
	queueDropped   *prometheus.CounterVec
	limiterWaitSec prometheus.Histogram

	cpuPercent       prometheus.Gauge
	hostCPUPercent   prometheus.Gauge
	cpuAllocation    prometheus.Gauge
	memoryBytes      prometheus.Gauge
	goroutines       prometheus.Gauge
	throttleEvents   prometheus.Counter
	throttledSeconds prometheus.Counter
}

// Bootstrap constructs a fresh Metrics value with its own registry. One
// call per process, owned by the supervisor and passed down explicitly
// to every component that reports into it.
func Bootstrap() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.wsConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collector_ws_connected",
		Help: "1 if the exchange connection is currently established, else 0.",
	}, []string{"exchange", "conn_id"})

	m.reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_ws_reconnects_total",
		Help: "Total reconnect cycles per connection.",
	}, []string{"exchange", "conn_id"})

	m.deadletters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_subscriptions_deadlettered_total",
		Help: "Total subscriptions moved to deadletter state.",
	}, []string{"exchange", "conn_id"})

	m.unknownFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_ws_unknown_frames_total",
		Help: "Total inbound system or unclassified frames, plus data frames not resolved to a subscription.",
	}, []string{"exchange", "conn_id"})

	m.dedupDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_dedup_dropped_total",
		Help: "Total envelopes suppressed as duplicates, per exchange/channel.",
	}, []string{"exchange", "channel"})
	m.sinkWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_sink_writes_total",
		Help: "Total envelope batches written to the primary sink.",
	})
	m.sinkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_sink_write_failures_total",
		Help: "Total primary sink write failures (spooled for replay).",
	})
	m.spoolWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_spool_writes_total",
		Help: "Total envelope batches appended to the durable spool.",
	})
	m.spoolDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_spool_dropped_total",
		Help: "Total envelopes discarded because both the primary sink and the spool overflowed.",
	})
	m.spoolBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_spool_backlog_records",
		Help: "Estimated undelivered record count remaining in the spool.",
	})
	m.replayBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_replay_batches_total",
		Help: "Total batches successfully replayed from spool to primary sink.",
	})
	m.replayRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_replay_records_total",
		Help: "Total individual envelopes successfully replayed.",
	})
	m.breakerOpens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_breaker_opens_total",
		Help: "Total times a connection's circuit breaker tripped open.",
	}, []string{"exchange", "conn_id"})
	m.queueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_queue_dropped_total",
		Help: "Total outbound frames dropped by queue overflow policy.",
	}, []string{"exchange", "conn_id", "class", "policy"})
	m.limiterWaitSec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collector_limiter_wait_seconds",
		Help:    "Distribution of writer-loop waits imposed by the rate limiter.",
		Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	m.cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_cpu_usage_percent",
		Help: "CPU usage percent relative to container/host allocation.",
	})
	m.hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_cpu_host_percent",
		Help: "Host-wide CPU usage percent, for reference.",
	})
	m.cpuAllocation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_cpu_allocation_cores",
		Help: "Number of CPU cores allocated to this process.",
	})
	m.memoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_memory_bytes",
		Help: "Process heap allocation in bytes.",
	})
	m.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collector_goroutines",
		Help: "Current goroutine count.",
	})
	m.throttleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_cpu_throttle_events_total",
		Help: "Total cgroup CPU throttle events observed.",
	})
	m.throttledSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_cpu_throttled_seconds_total",
		Help: "Total cgroup CPU throttled seconds observed.",
	})

	m.registry.MustRegister(
		m.wsConnected, m.reconnects, m.deadletters, m.unknownFrames,
		m.dedupDropped, m.sinkWrites, m.sinkFailures,
		m.spoolWrites, m.spoolDropped, m.spoolBacklog, m.replayBatches, m.replayRecords,
		m.breakerOpens, m.queueDropped, m.limiterWaitSec,
		m.cpuPercent, m.hostCPUPercent, m.cpuAllocation, m.memoryBytes,
		m.goroutines, m.throttleEvents, m.throttledSeconds,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// --- runner.Metrics ---

func (m *Metrics) SetWSConnected(exchange, connID string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.wsConnected.WithLabelValues(exchange, connID).Set(v)
}

func (m *Metrics) IncReconnect(exchange, connID string) {
	m.reconnects.WithLabelValues(exchange, connID).Inc()
}

func (m *Metrics) IncDeadletter(exchange, connID string) {
	m.deadletters.WithLabelValues(exchange, connID).Inc()
}

func (m *Metrics) IncUnknownFrame(exchange, connID string) {
	m.unknownFrames.WithLabelValues(exchange, connID).Inc()
}

// --- platform.Metrics ---

func (m *Metrics) SetCPUPercent(percent float64)     { m.cpuPercent.Set(percent) }
func (m *Metrics) SetHostCPUPercent(percent float64) { m.hostCPUPercent.Set(percent) }
func (m *Metrics) SetCPUAllocation(cores float64)    { m.cpuAllocation.Set(cores) }
func (m *Metrics) SetMemoryBytes(bytes uint64)       { m.memoryBytes.Set(float64(bytes)) }
func (m *Metrics) SetGoroutines(n int)               { m.goroutines.Set(float64(n)) }
func (m *Metrics) AddThrottleEvents(n uint64)        { m.throttleEvents.Add(float64(n)) }
func (m *Metrics) AddThrottledSeconds(s float64)     { m.throttledSeconds.Add(s) }

// --- pipeline / sink / spool / replay / breaker / queue hooks ---

func (m *Metrics) IncDedupDrop(exchange, channel string) {
	m.dedupDropped.WithLabelValues(exchange, channel).Inc()
}
func (m *Metrics) IncSinkWrite()               { m.sinkWrites.Inc() }
func (m *Metrics) IncSinkFailure()             { m.sinkFailures.Inc() }
func (m *Metrics) IncSpoolWrite()              { m.spoolWrites.Inc() }
func (m *Metrics) IncSpoolDropped(n int)       { m.spoolDropped.Add(float64(n)) }
func (m *Metrics) SetSpoolBacklog(records int) { m.spoolBacklog.Set(float64(records)) }
func (m *Metrics) IncReplayBatch(records int) {
	m.replayBatches.Inc()
	m.replayRecords.Add(float64(records))
}
func (m *Metrics) IncBreakerOpen(exchange, connID string) {
	m.breakerOpens.WithLabelValues(exchange, connID).Inc()
}
func (m *Metrics) IncQueueDropped(exchange, connID, class, policy string) {
	m.queueDropped.WithLabelValues(exchange, connID, class, policy).Inc()
}
func (m *Metrics) ObserveLimiterWait(seconds float64) {
	m.limiterWaitSec.Observe(seconds)
}
