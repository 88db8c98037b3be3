package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSubmit(t *testing.T) {
	m := New()

	m.ObserveSubmit(OutcomeAccepted, 3, 2, 5*time.Millisecond)
	m.ObserveSubmit(OutcomeAccepted, 1, 0, time.Millisecond)
	m.ObserveSubmit(OutcomeInvalid, 0, 0, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues(OutcomeInvalid)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.samplesStored))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.samplesDropped))
}

func TestGaugesAndCounters(t *testing.T) {
	m := New()

	m.RateLimited()
	m.ObservePrediction("HIGH")
	m.SetTrackedTrains(7)
	m.SetWSClients(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.predictions.WithLabelValues("HIGH")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.trackedTrains))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.wsClients))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSubmit(OutcomeAccepted, 1, 1, time.Millisecond)
		m.RateLimited()
		m.ObservePrediction("LOW")
		m.SetTrackedTrains(1)
		m.SetWSClients(1)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetTrackedTrains(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "railpulse_tracked_trains 3")
}
