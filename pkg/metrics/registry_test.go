package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.VerifyTotal.Inc()
	m.VerifyDecisionTotal.WithLabelValues(DecisionAllow).Inc()
	m.FailClosedTotal.WithLabelValues(TriggerRedis).Inc()
	m.OPAErrorTotal.WithLabelValues(KindTimeout).Inc()
	m.VerifyInFlight.Set(1)
	m.VerifyDuration.Observe(0.05)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")

	assert.Contains(t, joined, "verify_total")
	assert.Contains(t, joined, "verify_decision_total")
	assert.Contains(t, joined, "fail_closed_total")
	assert.Contains(t, joined, "opa_error_total")
	assert.Contains(t, joined, "verify_in_flight")
	assert.Contains(t, joined, "verify_duration_seconds")
}

func TestVerifyDecisionTotal_CountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.VerifyDecisionTotal.WithLabelValues(DecisionAllow).Inc()
	m.VerifyDecisionTotal.WithLabelValues(DecisionAllow).Inc()
	m.VerifyDecisionTotal.WithLabelValues(DecisionDeny).Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.VerifyDecisionTotal.WithLabelValues(DecisionAllow)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.VerifyDecisionTotal.WithLabelValues(DecisionDeny)))
}
