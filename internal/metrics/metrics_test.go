// ABOUTME: Tests for the Prometheus metrics registry and HTTP middleware
// ABOUTME: Uses testutil to read counters back from the private registry

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_PipelineCounters(t *testing.T) {
	m := New()

	m.InboundClassified("message", "entry")
	m.InboundClassified("message", "entry")
	m.RouteDecided("escalated")
	m.ResponderResult("error", 250*time.Millisecond)
	m.TransportResult("ok")
	m.StoreFallback("append_message", errors.New("db down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebhookPayloadsTotal.WithLabelValues("message", "entry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouteDecisionsTotal.WithLabelValues("escalated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AIRequestsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportSendsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFallbacksTotal.WithLabelValues("append_message")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.TransportResult("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.TransportSendsTotal.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TransportSendsTotal.WithLabelValues("ok")))
}

func TestMetrics_MiddlewareUsesRouteTemplate(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/api/conversations/{phone}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, phone := range []string{"111", "222"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+phone, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/conversations/{phone}", "418")))
}

func TestMetrics_HandlerExposesCollectors(t *testing.T) {
	m := New()
	m.WebhookDuplicatesTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "switchboard_webhook_duplicates_total 1"))
	assert.Contains(t, body, "go_goroutines")
}
