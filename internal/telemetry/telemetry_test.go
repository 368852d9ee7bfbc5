package telemetry

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnsd/internal/memory"
)

func TestObserveTierSetsGauges(t *testing.T) {
	tel := New(nil)
	tel.ObserveTier(memory.LayerSession, memory.LayerMetrics{
		Layer:         memory.LayerSession,
		Entries:       42,
		Hits:          10,
		Misses:        5,
		Evictions:     2,
		RetentionRate: 0.8,
	})

	assert.Equal(t, 42.0, testutil.ToFloat64(tel.tierSize.WithLabelValues("session")))
	assert.Equal(t, 10.0, testutil.ToFloat64(tel.tierHits.WithLabelValues("session")))
	assert.Equal(t, 0.8, testutil.ToFloat64(tel.tierRetention.WithLabelValues("session")))
}

func TestCountOpSplitsByOutcome(t *testing.T) {
	tel := New(nil)
	tel.CountOp("store", nil)
	tel.CountOp("store", nil)
	tel.CountOp("store", errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(tel.operations.WithLabelValues("store", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.operations.WithLabelValues("store", "error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	tel := New(nil)
	tel.ObserveEngines(0.95, 0.5, 0.7, 1.8)
	tel.ObserveHealth(0.9, 0.1)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "cnsd_validation_success_rate 0.95")
	assert.Contains(t, body, "cnsd_intelligence_multiplier 1.8")
	assert.Contains(t, body, "cnsd_overall_health 0.9")
}
