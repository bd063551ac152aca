package fleet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes fleet progress to prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	running        prometheus.Gauge
	memoryUsed     prometheus.Gauge
	memoryBudget   prometheus.Gauge
	admissionWaits prometheus.Counter
	samplingErrors prometheus.Counter
	terminal       *prometheus.CounterVec
	probeAttempts  prometheus.Histogram
	evalDuration   prometheus.Histogram
}

// NewMetrics registers fleet metrics with reg, creating a private registry
// when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evalfleet",
			Subsystem: "fleet",
			Name:      "containers_running",
			Help:      "Number of tracked containers running at the last admission sample.",
		}),
		memoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evalfleet",
			Subsystem: "fleet",
			Name:      "memory_used_bytes",
			Help:      "Aggregate memory of running containers at the last admission sample.",
		}),
		memoryBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evalfleet",
			Subsystem: "fleet",
			Name:      "memory_budget_bytes",
			Help:      "Configured aggregate memory budget.",
		}),
		admissionWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evalfleet",
			Subsystem: "admission",
			Name:      "waits_total",
			Help:      "Number of admission checks that had to wait for capacity.",
		}),
		samplingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evalfleet",
			Subsystem: "admission",
			Name:      "sampling_errors_total",
			Help:      "Number of container memory samples that failed and counted as zero.",
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalfleet",
			Subsystem: "fleet",
			Name:      "workloads_total",
			Help:      "Number of workloads by terminal state.",
		}, []string{"state"}),
		probeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "evalfleet",
			Subsystem: "probe",
			Name:      "attempts",
			Help:      "Readiness probe attempts per workload.",
			Buckets:   []float64{1, 2, 3, 4, 5, 10},
		}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "evalfleet",
			Subsystem: "harness",
			Name:      "duration_seconds",
			Help:      "Evaluation harness wall time.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.running, m.memoryUsed, m.memoryBudget, m.admissionWaits, m.samplingErrors, m.terminal, m.probeAttempts, m.evalDuration)
	return m
}

func (m *Metrics) observeSample(running int, used uint64) {
	if m == nil {
		return
	}
	m.running.Set(float64(running))
	m.memoryUsed.Set(float64(used))
}

func (m *Metrics) setBudget(budget uint64) {
	if m == nil {
		return
	}
	m.memoryBudget.Set(float64(budget))
}

func (m *Metrics) admissionWait() {
	if m == nil {
		return
	}
	m.admissionWaits.Inc()
}

func (m *Metrics) samplingError() {
	if m == nil {
		return
	}
	m.samplingErrors.Inc()
}

func (m *Metrics) terminalState(state State) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) probed(attempts int) {
	if m == nil {
		return
	}
	m.probeAttempts.Observe(float64(attempts))
}

func (m *Metrics) evaluated(d time.Duration) {
	if m == nil {
		return
	}
	m.evalDuration.Observe(d.Seconds())
}
