package metrics_test

import (
	"strings"
	"testing"

	"github.com/dukex/hitlgate/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("hitlgate", registry)

	collector.GateOpened()
	collector.GateResolved("RECEIVED")
	collector.GateResolved("TIMED_OUT")
	collector.GateResolved("TIMED_OUT")
	collector.InteractionRecorded(metrics.OutcomeInserted)
	collector.InteractionRecorded(metrics.OutcomeRetry)
	collector.Escalated()
	collector.IngressRejected("topic_drift")
	collector.WorkflowSettled("hitl.approval", "SUCCESS")

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)

	expected := `
# HELP hitlgate_gate_results_total Total number of gate results written, by state
# TYPE hitlgate_gate_results_total counter
hitlgate_gate_results_total{state="RECEIVED"} 1
hitlgate_gate_results_total{state="TIMED_OUT"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "hitlgate_gate_results_total"))
}

func TestCollector_NilIsNoop(t *testing.T) {
	t.Parallel()

	var collector *metrics.Collector

	assert.NotPanics(t, func() {
		collector.GateOpened()
		collector.GateResolved("RECEIVED")
		collector.InteractionRecorded(metrics.OutcomeConflict)
		collector.Escalated()
		collector.IngressRejected("invalid_topic")
		collector.WorkflowSettled("hitl.approval", "ERROR")
	})
}
