package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("ka1", reg)

	m.LocksAcquiredTotal.Inc()
	m.CommitsTotal.WithLabelValues("ok").Inc()
	m.CacheSizeBytes.Set(128)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LocksAcquiredTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitsTotal.WithLabelValues("ok")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["kagent_locker_locks_acquired_total"])
	assert.True(t, names["kagent_node_cache_size_bytes"])
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("ka1", prometheus.NewRegistry())
		NewMetrics("ka1", prometheus.NewRegistry())
		NewNopMetrics()
	})
}
