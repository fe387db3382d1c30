package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/guileen/querycore/errors"
)

func TestObserveQuery(t *testing.T) {
	m := New()
	m.ObserveQuery("SELECT", time.Millisecond, nil)
	m.ObserveQuery("SELECT", time.Millisecond, qerrors.NewExecutionError("execute", "boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queries.WithLabelValues("SELECT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues(qerrors.KindExecution.String())))
}

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.CacheHit("plan")
	m.CacheHit("plan")
	m.CacheMiss("plan")
	m.Spilled(0)
	m.Spilled(40)
	m.Replanned()
	m.Truncated()
	m.Gauge("plan_cache_entries", "Plans cached.", func() float64 { return 3 })

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("plan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses.WithLabelValues("plan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.spills))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.spilledRows))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replans))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "querycore_plan_cache_entries 3"), body)
	assert.Contains(t, body, "querycore_replans_total 1")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveQuery("SELECT", time.Second, nil)
	m.CacheHit("plan")
	m.Spilled(10)
	m.Replanned()
	m.Truncated()
	m.Gauge("x", "x", func() float64 { return 0 })
}
