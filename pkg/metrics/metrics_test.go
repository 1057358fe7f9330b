package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.RowsUpsertedTotal.WithLabelValues("dv_tests").Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.RowsUpsertedTotal.WithLabelValues("dv_tests")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RowsUpsertedTotal.WithLabelValues("dv_tests")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SourcesTotal.WithLabelValues("ok").Inc()
	m.CacheHitsTotal.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `ingest_sources_total{outcome="ok"} 1`)
	assert.Contains(t, string(body), `ingest_page_cache_hits_total 1`)
}

func TestPush_SendsToGateway(t *testing.T) {
	var gotPath string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	m := New(prometheus.NewRegistry())
	m.SourcesTotal.WithLabelValues("failed").Inc()
	require.NoError(t, m.Push(t.Context(), gw.URL, "report_ingest"))
	assert.Equal(t, "/metrics/job/report_ingest", gotPath)
}
