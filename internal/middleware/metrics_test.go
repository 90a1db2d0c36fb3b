package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/api/subscriptions/{subscriptionID}/seats/history", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/subscriptions/{subscriptionID}/seats/history", "418")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/subscriptions/"+id+"/seats/history", nil))
		assert.Equal(t, http.StatusTeapot, rr.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestResponseWriterCapturesFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	_, _ = rw.Write([]byte("hello"))
	rw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusOK, rw.statusCode)
	assert.Equal(t, 5, rw.size)
}

func responseSizeSample(t *testing.T, method, route string) (count uint64, sum float64) {
	t.Helper()
	observer, err := httpResponseSize.GetMetricWithLabelValues(method, route)
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, observer.(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}

func TestMetricsObservesResponseSize(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/api/subscriptions/{subscriptionID}/seats/proration", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"amount":`))
		_, _ = w.Write([]byte(`240}`))
	})

	route := "/api/subscriptions/{subscriptionID}/seats/proration"
	beforeCount, beforeSum := responseSizeSample(t, http.MethodGet, route)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/subscriptions/a/seats/proration", nil))

	count, sum := responseSizeSample(t, http.MethodGet, route)
	assert.Equal(t, beforeCount+1, count)
	assert.InDelta(t, beforeSum+float64(rr.Body.Len()), sum, 0.001)
	assert.Equal(t, 14, rr.Body.Len())
}
