package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func durationSamples(t *testing.T, method, route string) uint64 {
	t.Helper()
	obs, err := httpRequestDurationSeconds.GetMetricWithLabelValues(method, route)
	require.NoError(t, err)
	metric, ok := obs.(prometheus.Metric)
	require.True(t, ok)
	var m dto.Metric
	require.NoError(t, metric.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestMiddlewareLabelsTriggerRoutes(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/api", func(r chi.Router) {
		r.Get("/cron/check-pdf", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		r.Get("/automation", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"isRunning":true}`))
		})
	})

	unauthorized := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "401"))
	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	cronBefore := durationSamples(t, http.MethodGet, "/api/cron/check-pdf")
	statusBefore := durationSamples(t, http.MethodGet, "/api/automation")

	for _, path := range []string{"/api/cron/check-pdf", "/api/cron/check-pdf", "/api/automation"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, unauthorized+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "401")))
	require.Equal(t, ok+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")),
		"handlers that never call WriteHeader count as 200")
	require.Equal(t, cronBefore+2, durationSamples(t, http.MethodGet, "/api/cron/check-pdf"))
	require.Equal(t, statusBefore+1, durationSamples(t, http.MethodGet, "/api/automation"))
}

func TestMiddlewareWithoutRouterContext(t *testing.T) {
	Init()
	before := durationSamples(t, http.MethodPost, "unknown")

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/scheduled-check", nil))

	require.Equal(t, before+1, durationSamples(t, http.MethodPost, "unknown"))
}
