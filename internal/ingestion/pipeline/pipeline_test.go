package pipeline

import (
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/fetcher"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/store"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/sqlite"
)

const dvReport = `{
  "report_timestamp": "2024-01-01 03:00:00",
  "git_revision": "0123456789abcdef",
  "tool": "xcelium",
  "block_name": "aes",
  "results": {
    "testpoints": [
      {"name":"smoke","stage":"V1","tests":[{"name":"aes_smoke","total_runs":10,"passing_runs":10,"pass_rate":"100.00 %"}]},
      {"name":"stress","stage":"V2","tests":[{"name":"aes_stress","total_runs":10,"passing_runs":9,"pass_rate":"n/a"}]},
      {"stage":"V3","tests":[{"name":"orphan"}]}
    ],
    "failure_buckets": [
      {"identifier":"UVM_ERROR","failing_tests":[{"name":"aes_stress","failing_runs":[{"seed":42,"failure_message":{"text":"mismatch 'a' vs \"b\""}}]}]}
    ]
  }
}`

func reviewPage(date, warnings string, links ...string) string {
	page := `<html><body>
<p>Generated ` + date + ` UTC</p>
<p>GitHub Revision: <code>abcdef0123</code></p>
<p>Branch: master</p>
<table>
<tr><th>Build Mode</th><th>Flow Warnings</th><th>Flow Errors</th><th>SDC Reviews</th><th>SDC Warnings</th><th>SDC Erros</th>
<th>Setup Reviews</th><th>Setup Warnings</th><th>Setup Errors</th><th>RDC Reviews</th><th>RDC Warnings</th><th>RDC Errors</th></tr>
<tr><td>default</td><td>0</td><td>0</td><td>1</td><td>2</td><td>0</td><td>0</td><td>0</td><td>0</td><td>3</td><td>` + warnings + `</td><td>0</td></tr>
</table>`
	for _, l := range links {
		page += `<a href="` + l + `">older</a>`
	}
	return page + "</body></html>"
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hw/ip/aes/dv/latest/report.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(dvReport))
	})
	mux.HandleFunc("/hw/ip/broken/dv/latest/report.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})
	mux.HandleFunc("/rdc/latest/report.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(reviewPage("Tuesday January 16 2024 04:05:06", "8",
			"../2024.01.15_04.05.06/report.html", "../2024.01.14_04.05.06/report.html")))
	})
	mux.HandleFunc("/rdc/2024.01.15_04.05.06/report.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(reviewPage("Monday January 15 2024 04:05:06", "7")))
	})
	// 2024.01.14 is pruned and answers 404.
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	store   *store.Store
	metrics *metrics.Metrics
	notes   *recordingNotifier
	p       *Pipeline
}

func newHarness(t *testing.T, f Fetcher, cfg config.PipelineConfig) *harness {
	t.Helper()
	h := &harness{
		store:   store.New(sqlite.OpenMemory(t), store.SQLite, logger.Discard()),
		metrics: metrics.New(prometheus.NewRegistry()),
		notes:   &recordingNotifier{},
	}
	h.p = New(f, h.store, cfg, logger.Discard(), WithMetrics(h.metrics), WithNotifier(h.notes))
	return h
}

func httpFetcher(srv *httptest.Server) *fetcher.Fetcher {
	return fetcher.New(config.FetchConfig{Timeout: 5 * time.Second, MaxBytes: 1 << 20}, logger.Discard(),
		fetcher.WithHTTPClient(srv.Client()))
}

type recordingNotifier struct {
	mu      sync.Mutex
	sources []string
}

func (n *recordingNotifier) SourceCompleted(_ context.Context, runID string, res ingestion.SourceResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sources = append(n.sources, res.Source)
}

func count(t *testing.T, s *store.Store, tbl store.Table) int {
	t.Helper()
	n, err := s.Count(t.Context(), tbl)
	require.NoError(t, err)
	return n
}

func TestRun_EndToEndAndIdempotent(t *testing.T) {
	srv := newServer(t)
	h := newHarness(t, httpFetcher(srv), config.PipelineConfig{Workers: 2, Timeout: time.Minute})
	sources := []ingestion.ReportSource{
		{Name: "aes", Format: ingestion.FormatDVReport, Location: srv.URL + "/hw/ip/aes/dv/{}/report.json"},
		{Name: "rdc", Format: ingestion.FormatReviewHTML, Location: srv.URL + "/rdc/", Review: "rdc", MaxPages: 5},
	}

	summary := h.p.Run(t.Context(), sources)
	require.False(t, summary.Failed(), "failed sources: %v", summary.FailedSources())
	require.Len(t, summary.Sources, 2)
	assert.NotEmpty(t, summary.RunID)

	dv := summary.Sources[0]
	assert.Equal(t, "aes", dv.Source)
	assert.Equal(t, 3, dv.RecordsExtracted)
	assert.Equal(t, 1, dv.RecordsSkipped)
	assert.Equal(t, 1, dv.UnparsedValues)
	assert.Equal(t, map[string]int{"dv_tests": 2, "dv_tests_failures": 1}, dv.RowsByTable)

	rdc := summary.Sources[1]
	assert.Equal(t, 2, rdc.PagesFetched)
	assert.Equal(t, 1, rdc.PagesFailed)
	assert.Equal(t, 2, rdc.RowsWritten)

	assert.Equal(t, 2, count(t, h.store, store.DVTests))
	assert.Equal(t, 1, count(t, h.store, store.DVFailures))
	assert.Equal(t, 2, count(t, h.store, store.RDCResults))

	row, err := h.store.Get(t.Context(), store.RDCResults, "2024-01-16T04:05:06")
	require.NoError(t, err)
	assert.EqualValues(t, 8, row["rdc_warnings"])
	assert.Equal(t, "abcdef0123", row["git_revision"])

	fail, err := h.store.Get(t.Context(), store.DVFailures, "2024-01-01 03:00:00", 42)
	require.NoError(t, err)
	assert.Equal(t, `mismatch 'a' vs "b"`, fail["failure_message"])

	stress, err := h.store.Get(t.Context(), store.DVTests, "2024-01-01 03:00:00", "stress", "aes_stress")
	require.NoError(t, err)
	assert.Equal(t, "n/a", stress["pass_rate"])

	written := []store.Table{store.DVTests, store.DVFailures, store.RDCResults}
	before := map[string]int{}
	for _, tbl := range written {
		before[tbl.Name] = count(t, h.store, tbl)
	}
	again := h.p.Run(t.Context(), sources)
	require.False(t, again.Failed())
	assert.NotEqual(t, summary.RunID, again.RunID)
	after := map[string]int{}
	for _, tbl := range written {
		after[tbl.Name] = count(t, h.store, tbl)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("row counts changed on re-ingest (-before +after):\n%s", diff)
	}

	assert.Equal(t, []string{"aes", "rdc", "aes", "rdc"}, sortedPairs(h.notes.sources))
	assert.Equal(t, float64(4), testutil.ToFloat64(h.metrics.SourcesTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.UnparsedValuesTotal.WithLabelValues("dv_test", "pass_rate")))
}

// sortedPairs orders notifications within each run, since two workers may
// finish in either order.
func sortedPairs(in []string) []string {
	out := append([]string(nil), in...)
	for i := 0; i+1 < len(out); i += 2 {
		if out[i] > out[i+1] {
			out[i], out[i+1] = out[i+1], out[i]
		}
	}
	return out
}

func TestRun_FailedSourceDoesNotStopOthers(t *testing.T) {
	srv := newServer(t)
	logPath := filepath.Join(t.TempDir(), "e2e.log")
	require.NoError(t, os.WriteFile(logPath,
		[]byte("2024-01-01 12:00:00 //sw/device/x:y PASSED in 12.3s\n"), 0o644))

	h := newHarness(t, httpFetcher(srv), config.PipelineConfig{Workers: 1})
	summary := h.p.Run(t.Context(), []ingestion.ReportSource{
		{Name: "gone", Format: ingestion.FormatDVReport, Location: srv.URL + "/hw/ip/gone/dv/{}/report.json"},
		{Name: "broken", Format: ingestion.FormatDVReport, Location: srv.URL + "/hw/ip/broken/dv/{}/report.json"},
		{Name: "log", Format: ingestion.FormatTestLog, Location: logPath},
	})

	require.True(t, summary.Failed())
	assert.Equal(t, []string{"gone", "broken"}, summary.FailedSources())
	assert.ErrorIs(t, summary.Sources[0].Err, apperrors.ErrFetch)
	assert.ErrorIs(t, summary.Sources[1].Err, apperrors.ErrExtraction)
	assert.Equal(t, 1, summary.Sources[1].DocumentsRejected)
	assert.NoError(t, summary.Sources[2].Err)
	assert.Equal(t, 1, count(t, h.store, store.E2ETests))
	assert.Equal(t, []string{"log"}, h.notes.sources)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.SourcesTotal.WithLabelValues("failed")))
}

func TestRun_StoreErrorFailsSource(t *testing.T) {
	srv := newServer(t)
	h := newHarness(t, httpFetcher(srv), config.PipelineConfig{})
	require.NoError(t, h.store.Close())

	summary := h.p.Run(t.Context(), []ingestion.ReportSource{
		{Name: "aes", Format: ingestion.FormatDVReport, Location: srv.URL + "/hw/ip/aes/dv/{}/report.json"},
	})
	require.True(t, summary.Failed())
	assert.ErrorIs(t, summary.Sources[0].Err, apperrors.ErrStore)
	assert.Empty(t, h.notes.sources)
}

func TestRun_NoMatchingLinesIsNotAFailure(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "build.log")
	require.NoError(t, os.WriteFile(logPath, []byte("Loading: 0 packages loaded\n"), 0o644))

	h := newHarness(t, fetcher.New(config.FetchConfig{}, logger.Discard()), config.PipelineConfig{})
	summary := h.p.Run(t.Context(), []ingestion.ReportSource{
		{Name: "log", Format: ingestion.FormatTestLog, Location: logPath},
	})
	require.False(t, summary.Failed())
	assert.Equal(t, 0, summary.Sources[0].RowsWritten)
	assert.Equal(t, 1, summary.Sources[0].PagesFetched)
}

// blockingFetcher never yields until its context ends.
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, src ingestion.ReportSource) iter.Seq2[*ingestion.RawDocument, error] {
	return func(yield func(*ingestion.RawDocument, error) bool) {
		<-ctx.Done()
		yield(nil, &ingestion.FetchError{Source: src.Name, URL: src.Location, Err: ctx.Err()})
	}
}

func TestRun_Timeout(t *testing.T) {
	h := newHarness(t, blockingFetcher{}, config.PipelineConfig{Workers: 1, Timeout: 50 * time.Millisecond})
	summary := h.p.Run(t.Context(), []ingestion.ReportSource{
		{Name: "slow", Format: ingestion.FormatTestLog, Location: "/dev/null"},
		{Name: "later", Format: ingestion.FormatTestLog, Location: "/dev/null"},
	})

	require.True(t, summary.Failed())
	assert.ErrorIs(t, summary.Err, apperrors.ErrTimeout)
	assert.ErrorIs(t, summary.Err, context.DeadlineExceeded)
	assert.Equal(t, []string{"slow", "later"}, summary.FailedSources())
	assert.Equal(t, apperrors.ExitSourceFailed, apperrors.ExitCode(summary.Err))
}

// staticFetcher serves one fixed document per source.
type staticFetcher map[string]string

func (f staticFetcher) Fetch(_ context.Context, src ingestion.ReportSource) iter.Seq2[*ingestion.RawDocument, error] {
	return func(yield func(*ingestion.RawDocument, error) bool) {
		yield(&ingestion.RawDocument{Source: src.Name, URL: "mem://" + src.Name, Body: []byte(f[src.Name])}, nil)
	}
}

func TestRun_WorkersPreserveInputOrder(t *testing.T) {
	docs := staticFetcher{}
	var sources []ingestion.ReportSource
	for _, name := range []string{"a", "b", "c", "d"} {
		docs[name] = "2024-01-01 //sw/device/tests:" + name + "_test PASSED in 1.0s\n"
		sources = append(sources, ingestion.ReportSource{Name: name, Format: ingestion.FormatTestLog, Location: name})
	}
	h := newHarness(t, docs, config.PipelineConfig{Workers: 3})

	summary := h.p.Run(t.Context(), sources)
	require.False(t, summary.Failed())
	var names []string
	for _, r := range summary.Sources {
		names = append(names, r.Source)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
	assert.Equal(t, 4, count(t, h.store, store.E2ETests))
	assert.Equal(t, 4, summary.Totals().RowsWritten)
}
