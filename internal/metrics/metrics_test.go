package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveLedger(t *testing.T) {
	m := New()

	m.ObserveLedger("open", "", time.Now())
	m.ObserveLedger("open", "TOO_EARLY", time.Now())
	m.ObserveLedger("open", "TOO_EARLY", time.Now())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ledgerOps.WithLabelValues("open", "ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ledgerOps.WithLabelValues("open", "TOO_EARLY")))
}

func TestObserveBridgeAndEvents(t *testing.T) {
	m := New()

	m.ObserveBridge("execute_bridged", "UNSUPPORTED_TOKEN")
	m.SetBridgeState(2)
	m.ObserveEvent("escrow_created", nil)
	m.ObserveEvent("escrow_created", errors.New("kafka down"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.bridgeOps.WithLabelValues("execute_bridged", "UNSUPPORTED_TOKEN")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.bridgeState))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.eventsPublished.WithLabelValues("escrow_created", "error")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLedger("create", "", time.Now())
		m.ObserveBridge("execute_remote", "")
		m.SetBridgeState(1)
		m.ObserveEvent("x", nil)
		m.SetCustody(1, 1)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetCustody(150, 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "capsule_total_count 3")
	assert.Contains(t, string(body), "capsule_locked_value 150")
}
