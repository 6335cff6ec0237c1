package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	queueOnce sync.Once
	queueReg  *QueueMetrics
)

// SettlementMetrics wraps collectors tracking resolution and distribution health.
type SettlementMetrics struct {
	resolutions    *prometheus.CounterVec
	distributed    prometheus.Counter
	batches        prometheus.Counter
	distributeTime *prometheus.HistogramVec
	failures       *prometheus.CounterVec
}

// Settlement returns the lazily initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "resolutions_total",
				Help:      "Count of winner resolutions segmented by win rule and outcome.",
			}, []string{"rule", "outcome"}),
			distributed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "records_distributed_total",
				Help:      "Count of winner records driven to the distributed state.",
			}),
			batches: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "distribution_batches_total",
				Help:      "Count of distribution batches processed.",
			}),
			distributeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "distribution_duration_seconds",
				Help:      "Latency distribution for distribution pipeline runs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "settlement",
				Name:      "failures_total",
				Help:      "Count of settlement failures segmented by stage and reason.",
			}, []string{"stage", "reason"}),
		}
		prometheus.MustRegister(
			settlementReg.resolutions,
			settlementReg.distributed,
			settlementReg.batches,
			settlementReg.distributeTime,
			settlementReg.failures,
		)
	})
	return settlementReg
}

// RecordResolution counts one resolver run for the supplied rule.
func (m *SettlementMetrics) RecordResolution(rule, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(label(rule), label(outcome)).Inc()
}

// RecordDistributed adds to the distributed-record counter.
func (m *SettlementMetrics) RecordDistributed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.distributed.Add(float64(count))
}

// RecordBatch counts one processed distribution batch.
func (m *SettlementMetrics) RecordBatch() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

// ObserveDistribution records the duration of one pipeline run.
func (m *SettlementMetrics) ObserveDistribution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.distributeTime.WithLabelValues(label(outcome)).Observe(d.Seconds())
}

// RecordFailure increments the failure counter for a stage/reason pair.
func (m *SettlementMetrics) RecordFailure(stage, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(stage), label(reason)).Inc()
}

// QueueMetrics wraps collectors tracking the submission queue.
type QueueMetrics struct {
	depth          prometheus.Gauge
	submissions    *prometheus.CounterVec
	retries        *prometheus.CounterVec
	nonceRefreshes prometheus.Counter
	rotations      prometheus.Counter
}

// Queue returns the lazily initialised queue metrics registry.
func Queue() *QueueMetrics {
	queueOnce.Do(func() {
		queueReg = &QueueMetrics{
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "arena",
				Subsystem: "txqueue",
				Name:      "depth",
				Help:      "Number of submissions waiting for the consumer loop.",
			}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "txqueue",
				Name:      "submissions_total",
				Help:      "Count of processed submissions segmented by outcome.",
			}, []string{"outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "txqueue",
				Name:      "retries_total",
				Help:      "Count of submission retries segmented by error class.",
			}, []string{"class"}),
			nonceRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "txqueue",
				Name:      "nonce_refreshes_total",
				Help:      "Count of account nonce refreshes from the external service.",
			}),
			rotations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arena",
				Subsystem: "txqueue",
				Name:      "endpoint_rotations_total",
				Help:      "Count of endpoint rotations after exhausted retry budgets.",
			}),
		}
		prometheus.MustRegister(
			queueReg.depth,
			queueReg.submissions,
			queueReg.retries,
			queueReg.nonceRefreshes,
			queueReg.rotations,
		)
	})
	return queueReg
}

// SetDepth records the current queue depth.
func (m *QueueMetrics) SetDepth(depth int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}

// RecordSubmission counts one finished submission.
func (m *QueueMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(outcome)).Inc()
}

// RecordRetry counts one retry for the supplied error class.
func (m *QueueMetrics) RecordRetry(class string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(label(class)).Inc()
}

// RecordNonceRefresh counts one refresh of the cached account nonce.
func (m *QueueMetrics) RecordNonceRefresh() {
	if m == nil {
		return
	}
	m.nonceRefreshes.Inc()
}

// RecordRotation counts one endpoint rotation.
func (m *QueueMetrics) RecordRotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
