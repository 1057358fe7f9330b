package fetcher

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/resilience"
)

// site serves canned pages by path and counts requests.
type site struct {
	mu     sync.Mutex
	pages  map[string]string
	status map[string]int
	hits   map[string]int
}

func newSite() *site {
	return &site{pages: map[string]string{}, status: map[string]int{}, hits: map[string]int{}}
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	body, ok := s.pages[r.URL.Path]
	status := s.status[r.URL.Path]
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

func (s *site) hitsFor(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *site) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.hits {
		n += h
	}
	return n
}

func historical(i int) string {
	return fmt.Sprintf("2024.01.%02d_00.00.00/report.html", i)
}

func anchors(hrefs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<li><a href="%s">report</a></li>`, h)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func testConfig() config.FetchConfig {
	return config.FetchConfig{
		Timeout:             5 * time.Second,
		UserAgent:           "report-ingest-test",
		MaxBytes:            1 << 20,
		BreakerThreshold:    5,
		BreakerResetTimeout: time.Minute,
	}
}

func collect(seq iter.Seq2[*ingestion.RawDocument, error]) (docs []*ingestion.RawDocument, errs []error) {
	for doc, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errs
}

func reviewSource(base string, maxPages int) ingestion.ReportSource {
	return ingestion.ReportSource{
		Name:     "rdc",
		Format:   ingestion.FormatReviewHTML,
		Location: base + "/rdc/",
		MaxPages: maxPages,
		Review:   "rdc",
	}
}

func TestFetch_PaginationBound(t *testing.T) {
	s := newSite()
	var links []string
	for i := 1; i <= 15; i++ {
		links = append(links, "../"+historical(i))
		s.pages["/rdc/"+historical(i)] = anchors()
	}
	s.pages["/rdc/latest/report.html"] = anchors(links...)
	srv := httptest.NewServer(s)
	defer srv.Close()

	f := New(testConfig(), logger.Discard(), WithHTTPClient(srv.Client()))
	docs, errs := collect(f.Fetch(t.Context(), reviewSource(srv.URL, 5)))

	require.Empty(t, errs)
	require.Len(t, docs, 5)
	assert.Equal(t, 5, s.total())
	assert.Equal(t, srv.URL+"/rdc/latest/report.html", docs[0].URL)
	assert.Equal(t, srv.URL+"/rdc/"+historical(1), docs[1].URL)
	assert.Equal(t, srv.URL+"/rdc/"+historical(4), docs[4].URL)
}

func TestFetch_SkipsFailedPageAndDoesNotRefetch(t *testing.T) {
	s := newSite()
	back := anchors("../latest/report.html", historical(1))
	s.pages["/rdc/latest/report.html"] = anchors(historical(1), historical(2), historical(3))
	s.pages["/rdc/"+historical(1)] = back
	s.status["/rdc/"+historical(2)] = http.StatusNotFound
	s.pages["/rdc/"+historical(3)] = back
	srv := httptest.NewServer(s)
	defer srv.Close()

	f := New(testConfig(), logger.Discard(), WithHTTPClient(srv.Client()))
	docs, errs := collect(f.Fetch(t.Context(), reviewSource(srv.URL, 10)))

	require.Len(t, docs, 3)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], apperrors.ErrFetch)
	var fe *ingestion.FetchError
	require.ErrorAs(t, errs[0], &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, "rdc", fe.Source)

	for path := range s.hits {
		assert.Equal(t, 1, s.hitsFor(path), path)
	}
}

func TestFetch_PlainTextLinks(t *testing.T) {
	s := newSite()
	s.pages["/rdc/latest/report.html"] = "older: " + historical(1) + " " + historical(2)
	s.pages["/rdc/"+historical(1)] = "one"
	s.pages["/rdc/"+historical(2)] = "two"
	srv := httptest.NewServer(s)
	defer srv.Close()

	f := New(testConfig(), logger.Discard(), WithHTTPClient(srv.Client()))
	docs, errs := collect(f.Fetch(t.Context(), reviewSource(srv.URL, 0)))

	require.Empty(t, errs)
	require.Len(t, docs, 3)
	assert.Equal(t, "two", string(docs[2].Body))
}

func TestFetch_ConsumerStopsEarly(t *testing.T) {
	s := newSite()
	s.pages["/rdc/latest/report.html"] = anchors(historical(1), historical(2))
	s.pages["/rdc/"+historical(1)] = anchors()
	s.pages["/rdc/"+historical(2)] = anchors()
	srv := httptest.NewServer(s)
	defer srv.Close()

	f := New(testConfig(), logger.Discard(), WithHTTPClient(srv.Client()))
	for doc, err := range f.Fetch(t.Context(), reviewSource(srv.URL, 10)) {
		require.NoError(t, err)
		require.NotNil(t, doc)
		break
	}
	assert.Equal(t, 1, s.total())
}

func TestFetch_StaticRemoteReplacesPlaceholder(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
		if r.URL.Path != "/hw/ip/aes/dv/latest/report.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"results":{}}`))
	}))
	defer srv.Close()

	f := New(testConfig(), logger.Discard(), WithHTTPClient(srv.Client()))
	src := ingestion.ReportSource{Name: "aes", Format: ingestion.FormatDVReport, Location: srv.URL + "/hw/ip/aes/dv/{}/report.json", MaxPages: 7}
	docs, errs := collect(f.Fetch(t.Context(), src))

	require.Empty(t, errs)
	require.Len(t, docs, 1)
	assert.Equal(t, `{"results":{}}`, string(docs[0].Body))
	assert.Equal(t, http.StatusOK, docs[0].StatusCode)
	assert.Equal(t, "report-ingest-test", ua)
}

func TestFetch_StaticFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(path, []byte("line\n"), 0o644))

	f := New(testConfig(), logger.Discard())
	docs, errs := collect(f.Fetch(t.Context(), ingestion.ReportSource{Name: "log", Format: ingestion.FormatTestLog, Location: path}))
	require.Empty(t, errs)
	require.Len(t, docs, 1)
	assert.Equal(t, "line\n", string(docs[0].Body))

	_, errs = collect(f.Fetch(t.Context(), ingestion.ReportSource{Name: "log", Format: ingestion.FormatTestLog, Location: path + ".missing"}))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], apperrors.ErrFetch)
	assert.ErrorIs(t, errs[0], os.ErrNotExist)
}

func TestFetch_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBytes = 16
	f := New(cfg, logger.Discard(), WithHTTPClient(srv.Client()))
	_, errs := collect(f.Fetch(t.Context(), ingestion.ReportSource{Name: "big", Format: ingestion.FormatDVReport, Location: srv.URL + "/r.json"}))
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "exceeds 16 bytes")
}

func TestFetch_BreakerOpensOnServerErrors(t *testing.T) {
	s := newSite()
	s.status["/dv/latest/report.json"] = http.StatusBadGateway
	srv := httptest.NewServer(s)
	defer srv.Close()

	cfg := testConfig()
	cfg.BreakerThreshold = 2
	m := metrics.New(prometheus.NewRegistry())
	f := New(cfg, logger.Discard(), WithHTTPClient(srv.Client()), WithMetrics(m))
	src := ingestion.ReportSource{Name: "dv", Format: ingestion.FormatDVReport, Location: srv.URL + "/dv/{}/report.json"}

	for range 2 {
		_, errs := collect(f.Fetch(t.Context(), src))
		require.Len(t, errs, 1)
		var fe *ingestion.FetchError
		require.ErrorAs(t, errs[0], &fe)
		assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	}
	_, errs := collect(f.Fetch(t.Context(), src))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], resilience.ErrCircuitOpen)
	assert.ErrorIs(t, errs[0], apperrors.ErrFetch)
	assert.Equal(t, 2, s.total())

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues(u.Host)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.PagesFetchedTotal.WithLabelValues("dv", "error")))
}

func TestFetch_ClientErrorsDoNotTripBreaker(t *testing.T) {
	s := newSite()
	srv := httptest.NewServer(s)
	defer srv.Close()

	cfg := testConfig()
	cfg.BreakerThreshold = 1
	f := New(cfg, logger.Discard(), WithHTTPClient(srv.Client()))
	src := ingestion.ReportSource{Name: "dv", Format: ingestion.FormatDVReport, Location: srv.URL + "/missing.json"}

	for range 3 {
		_, errs := collect(f.Fetch(t.Context(), src))
		require.Len(t, errs, 1)
		assert.NotErrorIs(t, errs[0], resilience.ErrCircuitOpen)
	}
	assert.Equal(t, 3, s.hitsFor("/missing.json"))
}

type mapCache struct {
	mu    sync.Mutex
	pages map[string][]byte
}

func (c *mapCache) Get(_ context.Context, url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.pages[url]
	return b, ok
}

func (c *mapCache) Set(_ context.Context, url string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[url] = body
}

func TestFetch_CachesHistoricalPagesOnly(t *testing.T) {
	s := newSite()
	s.pages["/rdc/latest/report.html"] = anchors(historical(1))
	s.pages["/rdc/"+historical(1)] = anchors()
	srv := httptest.NewServer(s)
	defer srv.Close()

	cache := &mapCache{pages: map[string][]byte{}}
	m := metrics.New(prometheus.NewRegistry())
	f := New(testConfig(), logger.Discard(), WithHTTPClient(srv.Client()), WithCache(cache), WithMetrics(m))

	for range 2 {
		docs, errs := collect(f.Fetch(t.Context(), reviewSource(srv.URL, 10)))
		require.Empty(t, errs)
		require.Len(t, docs, 2)
		assert.False(t, docs[0].Cached)
	}
	assert.Equal(t, 2, s.hitsFor("/rdc/latest/report.html"))
	assert.Equal(t, 1, s.hitsFor("/rdc/"+historical(1)))
	assert.Len(t, cache.pages, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PagesFetchedTotal.WithLabelValues("rdc", "cached")))
}

func TestFetch_ReviewSiteMustBeRemote(t *testing.T) {
	f := New(testConfig(), logger.Discard())
	src := ingestion.ReportSource{Name: "rdc", Format: ingestion.FormatReviewHTML, Location: "/tmp/rdc", Review: "rdc"}
	docs, errs := collect(f.Fetch(t.Context(), src))
	assert.Empty(t, docs)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], apperrors.ErrFetch)
}

func TestFetch_InvalidLinkPattern(t *testing.T) {
	f := New(testConfig(), logger.Discard())
	src := reviewSource("http://127.0.0.1:1", 1)
	src.LinkPattern = "("
	_, errs := collect(f.Fetch(t.Context(), src))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], apperrors.ErrInvalidConfig)
}
