package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics exposes prometheus instruments for the ingestion pipeline.
type PipelineMetrics struct {
	queueDropped      *prometheus.CounterVec
	envelopes         *prometheus.CounterVec
	drainDuration     prometheus.Histogram
	activeDrains      prometheus.Gauge
	backlogReconciled prometheus.Counter
	tenantsEvicted    prometheus.Counter
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
	pipelineMetricsCfg  Config
)

// PipelineWithConfig initializes the pipeline metrics singleton with config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsCfg = cfg
	return Pipeline()
}

// Pipeline returns the pipeline metrics singleton.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, pipelineMetricsCfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := prometheus.Labels{
		"service": serviceLabel(cfg),
		"env":     envLabel(cfg),
	}

	queueDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fiscalbridge_queue_dropped_total",
		Help:        "Envelopes dropped before queueing by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	envelopes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "fiscalbridge_envelopes_processed_total",
		Help:        "Envelopes fully drained by batch result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	drainDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "fiscalbridge_drain_duration_seconds",
		Help:        "Per-tenant drain pass latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	})
	activeDrains := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "fiscalbridge_active_drains",
		Help:        "Tenants currently holding a drain slot.",
		ConstLabels: constLabels,
	})
	backlogReconciled := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "fiscalbridge_backlog_reconciled_total",
		Help:        "Backlog rows re-enqueued by reconciliation passes.",
		ConstLabels: constLabels,
	})
	tenantsEvicted := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "fiscalbridge_idle_tenants_evicted_total",
		Help:        "Idle tenant queues evicted from the registry.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		queueDropped,
		envelopes,
		drainDuration,
		activeDrains,
		backlogReconciled,
		tenantsEvicted,
	)

	return &PipelineMetrics{
		queueDropped:      queueDropped,
		envelopes:         envelopes,
		drainDuration:     drainDuration,
		activeDrains:      activeDrains,
		backlogReconciled: backlogReconciled,
		tenantsEvicted:    tenantsEvicted,
	}
}

// IncQueueDropped records a shed envelope.
func (m *PipelineMetrics) IncQueueDropped(reason string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(normalizeReason(reason)).Inc()
}

// IncEnvelopeProcessed records a drained envelope by batch result.
func (m *PipelineMetrics) IncEnvelopeProcessed(result string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(normalizeReason(result)).Inc()
}

// ObserveDrainDuration records one drain pass.
func (m *PipelineMetrics) ObserveDrainDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

// SetActiveDrains tracks the drain slot occupancy.
func (m *PipelineMetrics) SetActiveDrains(n int) {
	if m == nil {
		return
	}
	m.activeDrains.Set(float64(n))
}

// AddBacklogReconciled counts rows recovered from durable backlog.
func (m *PipelineMetrics) AddBacklogReconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backlogReconciled.Add(float64(n))
}

// IncTenantEvicted counts registry evictions.
func (m *PipelineMetrics) IncTenantEvicted() {
	if m == nil {
		return
	}
	m.tenantsEvicted.Inc()
}

func normalizeReason(reason string) string {
	reason = strings.TrimSpace(strings.ToLower(reason))
	if reason == "" {
		return "unknown"
	}
	return reason
}
