// Package fetcher retrieves raw report documents for a source: a single static
// document for JSON and log formats, or a bounded walk over the historical
// pages of a review site.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/resilience"
)

// PageCache stores immutable report pages by URL. Implementations treat every
// error as a miss.
type PageCache interface {
	Get(ctx context.Context, url string) ([]byte, bool)
	Set(ctx context.Context, url string, body []byte)
}

// Fetcher downloads report pages. It is safe for concurrent use by several
// sources; circuit breakers are shared per host.
type Fetcher struct {
	client  *http.Client
	cfg     config.FetchConfig
	cache   PageCache
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithCache serves historical review pages from c.
func WithCache(c PageCache) Option {
	return func(f *Fetcher) { f.cache = c }
}

// WithMetrics records page outcomes, latencies and breaker state in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithHTTPClient replaces the default client. Its Timeout is left as given.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func New(cfg config.FetchConfig, logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logger.With("component", "fetcher"),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch yields the documents of src, newest first and never more than
// src.PageLimit() of them. A page that cannot be retrieved is yielded as a
// *ingestion.FetchError and skipped; iteration continues with what remains.
func (f *Fetcher) Fetch(ctx context.Context, src ingestion.ReportSource) iter.Seq2[*ingestion.RawDocument, error] {
	if src.Format.Paginated() {
		return f.paginate(ctx, src)
	}
	return func(yield func(*ingestion.RawDocument, error) bool) {
		yield(f.static(ctx, src))
	}
}

func (f *Fetcher) static(ctx context.Context, src ingestion.ReportSource) (*ingestion.RawDocument, error) {
	if isRemote(src.Location) {
		return f.get(ctx, src, strings.ReplaceAll(src.Location, "{}", ingestion.LatestAlias), false)
	}
	body, err := os.ReadFile(src.Location)
	if err != nil {
		f.observe(src.Name, "error", 0)
		return nil, &ingestion.FetchError{Source: src.Name, URL: src.Location, Err: err}
	}
	f.observe(src.Name, "ok", 0)
	return &ingestion.RawDocument{
		Source:    src.Name,
		URL:       src.Location,
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// paginate enters a review site at its latest page and follows links to
// older reports breadth first. Every attempted page counts against the
// limit, so a run of failing pages cannot walk the whole history.
func (f *Fetcher) paginate(ctx context.Context, src ingestion.ReportSource) iter.Seq2[*ingestion.RawDocument, error] {
	return func(yield func(*ingestion.RawDocument, error) bool) {
		base, err := url.Parse(withTrailingSlash(src.Location))
		if err != nil || !isRemote(src.Location) {
			if err == nil {
				err = errors.New("review sites must be http(s) URLs")
			}
			yield(nil, &ingestion.FetchError{Source: src.Name, URL: src.Location, Err: err})
			return
		}
		pattern := src.LinkPattern
		if pattern == "" {
			pattern = ingestion.DefaultLinkPattern
		}
		links, err := regexp.Compile(pattern)
		if err != nil {
			yield(nil, apperrors.Newf(apperrors.ErrInvalidConfig, "source %s: link pattern: %v", src.Name, err))
			return
		}
		latest := src.Latest
		if latest == "" {
			latest = ingestion.DefaultLatest
		}

		start := resolve(base, latest)
		queue := []string{start}
		seen := map[string]struct{}{start: {}}
		log := f.logger.With("source", src.Name)

		for attempts := 0; len(queue) > 0 && attempts < src.PageLimit(); attempts++ {
			if err := ctx.Err(); err != nil {
				yield(nil, &ingestion.FetchError{Source: src.Name, URL: queue[0], Err: err})
				return
			}
			page := queue[0]
			queue = queue[1:]

			doc, err := f.get(ctx, src, page, page != start)
			if err != nil {
				log.Warn("skipping page", "url", page, "error", err)
				if !yield(nil, err) {
					return
				}
				continue
			}
			for _, next := range discoverLinks(doc.Body, base, links) {
				if _, ok := seen[next]; ok {
					continue
				}
				seen[next] = struct{}{}
				queue = append(queue, next)
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// get retrieves one URL through the host's circuit breaker. Only transport
// failures and 5xx responses count against the host; a 404 for a pruned
// historical report says nothing about the server's health.
func (f *Fetcher) get(ctx context.Context, src ingestion.ReportSource, rawURL string, cacheable bool) (*ingestion.RawDocument, error) {
	if cacheable && f.cache != nil {
		if body, ok := f.cache.Get(ctx, rawURL); ok {
			f.observe(src.Name, "cached", 0)
			return &ingestion.RawDocument{
				Source:     src.Name,
				URL:        rawURL,
				Body:       body,
				StatusCode: http.StatusOK,
				FetchedAt:  time.Now().UTC(),
				Cached:     true,
			}, nil
		}
	}

	start := time.Now()
	var (
		doc      *ingestion.RawDocument
		fetchErr error
	)
	err := f.breaker(rawURL).Execute(func() error {
		doc, fetchErr = f.do(ctx, src, rawURL)
		if countsAgainstHost(fetchErr) {
			return fetchErr
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		fetchErr = &ingestion.FetchError{Source: src.Name, URL: rawURL, Err: err}
	}
	if fetchErr != nil {
		f.observe(src.Name, "error", time.Since(start))
		return nil, fetchErr
	}
	f.observe(src.Name, "ok", time.Since(start))

	if cacheable && f.cache != nil {
		f.cache.Set(ctx, rawURL, doc.Body)
	}
	return doc, nil
}

func (f *Fetcher) do(ctx context.Context, src ingestion.ReportSource, rawURL string) (*ingestion.RawDocument, error) {
	fail := func(status int, err error) error {
		return &ingestion.FetchError{Source: src.Name, URL: rawURL, StatusCode: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fail(0, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fail(resp.StatusCode, nil)
	}

	var r io.Reader = resp.Body
	if f.cfg.MaxBytes > 0 {
		r = io.LimitReader(resp.Body, f.cfg.MaxBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fail(0, fmt.Errorf("reading body: %w", err))
	}
	if f.cfg.MaxBytes > 0 && int64(len(body)) > f.cfg.MaxBytes {
		return nil, fail(0, fmt.Errorf("response exceeds %d bytes", f.cfg.MaxBytes))
	}
	return &ingestion.RawDocument{
		Source:     src.Name,
		URL:        rawURL,
		Body:       body,
		StatusCode: resp.StatusCode,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

func (f *Fetcher) breaker(rawURL string) *resilience.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cfg := resilience.CircuitBreakerConfig{
		FailureThreshold: f.cfg.BreakerThreshold,
		ResetTimeout:     f.cfg.BreakerResetTimeout,
		Logger:           f.logger,
	}
	if f.metrics != nil {
		gauge := f.metrics.CircuitBreakerState
		cfg.OnStateChange = func(name string, s resilience.State) {
			gauge.WithLabelValues(name).Set(float64(s))
		}
	}
	cb := resilience.NewCircuitBreaker(host, cfg)
	f.breakers[host] = cb
	return cb
}

func (f *Fetcher) observe(source, outcome string, d time.Duration) {
	if f.metrics == nil {
		return
	}
	f.metrics.PagesFetchedTotal.WithLabelValues(source, outcome).Inc()
	if d > 0 {
		f.metrics.FetchDuration.WithLabelValues(source).Observe(d.Seconds())
	}
}

func countsAgainstHost(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var fe *ingestion.FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		return fe.StatusCode >= 500
	}
	return true
}

// discoverLinks returns the historical report URLs referenced by a page, in
// document order. Anchors are preferred; pages that list reports as plain
// text fall back to a scan of the raw body.
func discoverLinks(body []byte, base *url.URL, pattern *regexp.Regexp) []string {
	var out []string
	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
		doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if m := pattern.FindString(href); m != "" {
				out = append(out, resolve(base, m))
			}
		})
	}
	if len(out) > 0 {
		return out
	}
	for _, m := range pattern.FindAllString(string(body), -1) {
		out = append(out, resolve(base, m))
	}
	return out
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return base.String() + ref
	}
	return base.ResolveReference(u).String()
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func withTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
