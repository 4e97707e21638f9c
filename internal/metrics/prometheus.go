package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tsae"
	subsystem = "replica"
)

// Session roles and outcomes used as label values
const (
	RoleOriginator = "originator"
	RolePartner    = "partner"

	OutcomeDone     = "done"
	OutcomeAborted  = "aborted"
	OutcomeRejected = "rejected"
)

// Metrics holds all Prometheus metrics for a replica node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Operation metrics
	OperationsSentTotal     prometheus.Counter
	OperationsReceivedTotal prometheus.Counter
	OperationsAppliedTotal  *prometheus.CounterVec
	DuplicatesRejectedTotal prometheus.Counter

	// Log metrics
	LogSize               prometheus.Gauge
	TombstonesTotal       prometheus.Gauge
	PurgedOperationsTotal prometheus.Counter

	// Partner pool metrics
	PartnerPoolRejectionsTotal prometheus.Counter
	PartnerPoolActive          prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "sessions_total",
			Help:        "Total number of anti-entropy sessions by role and outcome",
			ConstLabels: labels,
		}, []string{"role", "outcome"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "session_duration_seconds",
			Help:        "Histogram of anti-entropy session durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"role"}),

		OperationsSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operations_sent_total",
			Help:        "Total number of operations sent to peers",
			ConstLabels: labels,
		}),
		OperationsReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operations_received_total",
			Help:        "Total number of operations received from peers",
			ConstLabels: labels,
		}),
		OperationsAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "operations_applied_total",
			Help:        "Total number of operations applied to the local store by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		DuplicatesRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "duplicates_rejected_total",
			Help:        "Total number of operations rejected by the log as duplicate or out of order",
			ConstLabels: labels,
		}),

		LogSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "log_size",
			Help:        "Number of operations buffered in the log",
			ConstLabels: labels,
		}),
		TombstonesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "tombstones",
			Help:        "Number of live tombstones",
			ConstLabels: labels,
		}),
		PurgedOperationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "purged_operations_total",
			Help:        "Total number of operations purged from the log",
			ConstLabels: labels,
		}),

		PartnerPoolRejectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "partner_pool_rejections_total",
			Help:        "Total number of inbound sessions rejected because the partner pool was full",
			ConstLabels: labels,
		}),
		PartnerPoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "partner_pool_active",
			Help:        "Number of partner sessions currently running",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "gossip_members",
			Help:        "Number of members in the gossip cluster",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "memory_usage_bytes",
			Help:        "Heap memory allocated by the process",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "goroutines",
			Help:        "Number of running goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordSession records a finished session
func (m *Metrics) RecordSession(role, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(role, outcome).Inc()
	m.SessionDuration.WithLabelValues(role).Observe(duration)
}

func (m *Metrics) RecordOperationSent() {
	if m == nil {
		return
	}
	m.OperationsSentTotal.Inc()
}

func (m *Metrics) RecordOperationReceived() {
	if m == nil {
		return
	}
	m.OperationsReceivedTotal.Inc()
}

// RecordApply records the outcome of applying one operation
func (m *Metrics) RecordApply(kind string, applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.OperationsAppliedTotal.WithLabelValues(kind).Inc()
		return
	}
	m.DuplicatesRejectedTotal.Inc()
}

// UpdateLogStats sets the log and tombstone gauges and counts purged operations
func (m *Metrics) UpdateLogStats(logSize, tombstones, purged int) {
	if m == nil {
		return
	}
	m.LogSize.Set(float64(logSize))
	m.TombstonesTotal.Set(float64(tombstones))
	if purged > 0 {
		m.PurgedOperationsTotal.Add(float64(purged))
	}
}

func (m *Metrics) RecordPartnerRejected() {
	if m == nil {
		return
	}
	m.PartnerPoolRejectionsTotal.Inc()
	m.SessionsTotal.WithLabelValues(RolePartner, OutcomeRejected).Inc()
}

func (m *Metrics) UpdatePartnerPoolActive(active int) {
	if m == nil {
		return
	}
	m.PartnerPoolActive.Set(float64(active))
}

func (m *Metrics) UpdateGossipStats(totalMembers int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(totalMembers))
}

func (m *Metrics) UpdateSystemStats(memoryUsage uint64, goroutines int) {
	if m == nil {
		return
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
