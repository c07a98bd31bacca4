package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/metrics"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.TickIngested("EURUSD")
	m.TickIngested("EURUSD")
	m.Recomputed("EURTRY", metrics.OutcomeSuccess)
	m.Recomputed("EURTRY", metrics.OutcomeError)
	m.Coalesced()
	m.PublishDropped("raw")
	m.ObserveEvaluation("expr", 3*time.Millisecond)

	expected := `
# HELP ratehub_coordinator_recomputations_total Calculated rate evaluations, by rate name and outcome.
# TYPE ratehub_coordinator_recomputations_total counter
ratehub_coordinator_recomputations_total{outcome="error",rate="EURTRY"} 1
ratehub_coordinator_recomputations_total{outcome="success",rate="EURTRY"} 1
# HELP ratehub_coordinator_ticks_total Raw ticks ingested, by rate name.
# TYPE ratehub_coordinator_ticks_total counter
ratehub_coordinator_ticks_total{rate="EURUSD"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"ratehub_coordinator_ticks_total", "ratehub_coordinator_recomputations_total"))

	count, err := testutil.GatherAndCount(m.Registry(), "ratehub_formula_evaluation_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.TickIngested("EURUSD")
		m.Recomputed("EURTRY", metrics.OutcomeSkipped)
		m.Coalesced()
		m.PublishDropped("calculated")
		m.CacheFailed("rawTicks")
		m.SubscriberFailed("sim")
		m.ObserveEvaluation("lua", time.Millisecond)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()
	m.Coalesced()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "ratehub_coordinator_coalesced_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
