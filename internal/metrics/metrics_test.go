package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.RecordCycle("committed", time.Second, 0.5)
	m.RecordTask("dir", "done")
	m.RecordMergeConflict()
	m.SetConsecutiveFailures(3)
	m.SetBatchSize(2)
	m.SetActiveWorkers(1)
}

func TestRecordCycle(t *testing.T) {
	m := New()
	m.RecordCycle("committed", 2*time.Second, 0.25)
	m.RecordCycle("committed", 4*time.Second, 0.75)
	m.RecordCycle("rolled_back", time.Second, 0)

	assert.InDelta(t, 2, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("committed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("rolled_back")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.CostTotal), 1e-9)
}

func TestGauges(t *testing.T) {
	m := New()
	m.SetConsecutiveFailures(4)
	m.SetBatchSize(3)
	m.SetActiveWorkers(2)

	assert.InDelta(t, 4, testutil.ToFloat64(m.ConsecutiveFailures), 1e-9)
	assert.InDelta(t, 3, testutil.ToFloat64(m.BatchSize), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ActiveWorkers), 1e-9)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordCycle("committed", time.Second, 0.1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "fixpoint_cycles_total")
	assert.Contains(t, rec.Body.String(), `outcome="committed"`)
}
