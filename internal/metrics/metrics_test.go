package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.QueriesTotal.WithLabelValues("split-plane", OutcomeFound).Inc()
	m.IndexedPositions.Set(42)
	m.DivergencesTotal.Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("split-plane", OutcomeFound)))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.IndexedPositions))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP fleet_verify_divergences_total Queries whose tree answer differed from a linear scan
# TYPE fleet_verify_divergences_total counter
fleet_verify_divergences_total 2
`), "fleet_verify_divergences_total")
	require.NoError(t, err)
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
