package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered reads the value of a counter or gauge from reg
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func TestMetrics_RecordSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("A", reg)

	m.RecordSession(RoleOriginator, OutcomeDone, 0.2)
	m.RecordSession(RoleOriginator, OutcomeDone, 0.1)
	m.RecordSession(RolePartner, OutcomeAborted, 0.1)

	assert.Equal(t, 2.0, gathered(t, reg, "tsae_replica_sessions_total", map[string]string{"role": RoleOriginator, "outcome": OutcomeDone}))
	assert.Equal(t, 1.0, gathered(t, reg, "tsae_replica_sessions_total", map[string]string{"role": RolePartner, "outcome": OutcomeAborted}))
}

func TestMetrics_RecordApply(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("A", reg)

	m.RecordApply("add", true)
	m.RecordApply("add", false)
	m.RecordApply("remove", true)

	assert.Equal(t, 1.0, gathered(t, reg, "tsae_replica_operations_applied_total", map[string]string{"kind": "add"}))
	assert.Equal(t, 1.0, gathered(t, reg, "tsae_replica_operations_applied_total", map[string]string{"kind": "remove"}))
	assert.Equal(t, 1.0, gathered(t, reg, "tsae_replica_duplicates_rejected_total", nil))
}

func TestMetrics_UpdateLogStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("A", reg)

	m.UpdateLogStats(10, 2, 0)
	m.UpdateLogStats(4, 1, 6)

	assert.Equal(t, 4.0, gathered(t, reg, "tsae_replica_log_size", nil))
	assert.Equal(t, 1.0, gathered(t, reg, "tsae_replica_tombstones", nil))
	assert.Equal(t, 6.0, gathered(t, reg, "tsae_replica_purged_operations_total", nil))
}

func TestMetrics_PartnerRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("A", reg)

	m.RecordPartnerRejected()

	assert.Equal(t, 1.0, gathered(t, reg, "tsae_replica_partner_pool_rejections_total", nil))
	assert.Equal(t, 1.0, gathered(t, reg, "tsae_replica_sessions_total", map[string]string{"role": RolePartner, "outcome": OutcomeRejected}))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordSession(RoleOriginator, OutcomeDone, 1)
		m.RecordOperationSent()
		m.RecordOperationReceived()
		m.RecordApply("add", true)
		m.UpdateLogStats(1, 1, 1)
		m.RecordPartnerRejected()
		m.UpdatePartnerPoolActive(1)
		m.UpdateGossipStats(3)
		m.UpdateSystemStats(1, 1)
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("A", prometheus.NewRegistry())
		NewMetrics("B", prometheus.NewRegistry())
	})
}
