package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goplan/pkg/goplan"
)

// Metrics implements goplan.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal     *prometheus.CounterVec
	planChangesTotal   *prometheus.CounterVec
	claimsTotal        *prometheus.CounterVec
	cacheHitsTotal     *prometheus.CounterVec
	cacheMissesTotal   *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_decisions_total",
			Help:      "Total number of reconciliation decisions by event type.",
		}, []string{"event_type", "decision"}),

		planChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_changes_total",
			Help:      "Total number of stored plan transitions.",
		}, []string{"from_plan", "to_plan"}),

		claimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_claims_total",
			Help:      "Total number of login syncs by outcome.",
		}, []string{"outcome"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of failed storage operations.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordDecision(eventType string, decision goplan.Decision) {
	m.decisionsTotal.WithLabelValues(eventType, decision.String()).Inc()
}

func (m *Metrics) RecordPlanChange(from, to goplan.Plan) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	m.planChangesTotal.WithLabelValues(fromLabel, string(to)).Inc()
}

func (m *Metrics) RecordClaim(outcome goplan.ClaimOutcome) {
	m.claimsTotal.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) goplan.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
