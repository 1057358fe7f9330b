// Package pipeline drives ingestion runs: for every source it fetches all
// pages, extracts their records, and writes them to the store in a single
// batch. A failing source is recorded in the run summary and never stops the
// sources after it.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/extractor"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/notifier"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/store"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/tracing"
)

// ReasonInvalidRecord is the skip reason for records that do not satisfy
// their table's schema.
const ReasonInvalidRecord = "invalid-record"

// Fetcher yields the documents of a source. *fetcher.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, src ingestion.ReportSource) iter.Seq2[*ingestion.RawDocument, error]
}

type Pipeline struct {
	fetcher  Fetcher
	store    *store.Store
	notifier notifier.Notifier
	metrics  *metrics.Metrics
	cfg      config.PipelineConfig
	logger   *slog.Logger
}

type Option func(*Pipeline)

func WithNotifier(n notifier.Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func New(f Fetcher, s *store.Store, cfg config.PipelineConfig, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Pipeline{
		fetcher:  f,
		store:    s,
		notifier: notifier.Noop{},
		cfg:      cfg,
		logger:   logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ingests every source and returns the per-source results in input
// order. Sources run on at most cfg.Workers goroutines; with one worker they
// run strictly in order. The whole run is bounded by cfg.Timeout.
func (p *Pipeline) Run(ctx context.Context, sources []ingestion.ReportSource) ingestion.RunSummary {
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, p.logger)
	ctx, root := tracing.StartSpan(ctx, "ingest-run", runID)

	summary := ingestion.RunSummary{RunID: runID, Started: time.Now().UTC()}
	results := make([]ingestion.SourceResult, len(sources))
	log.Info("run started", "sources", len(sources), "workers", p.cfg.Workers)

	err := resilience.WithTimeout(ctx, p.cfg.Timeout, "ingestion run", func(ctx context.Context) error {
		var g errgroup.Group
		g.SetLimit(p.cfg.Workers)
		for i, src := range sources {
			g.Go(func() error {
				results[i] = p.runSource(ctx, src)
				if err := results[i].Err; isContextErr(err) {
					return err
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
		}
		summary.Err = err
		log.Error("run cut short", "error", err)
	}

	root.End()
	root.Log(log)
	summary.Sources = results
	summary.Duration = time.Since(summary.Started)

	t := summary.Totals()
	log.Info("run finished",
		"sources", t.Sources,
		"failed", t.Failed,
		"pages", t.PagesFetched,
		"records", t.RecordsExtracted,
		"skipped", t.RecordsSkipped,
		"rows", t.RowsWritten,
		"duration", summary.Duration,
	)
	return summary
}

func (p *Pipeline) runSource(ctx context.Context, src ingestion.ReportSource) (res ingestion.SourceResult) {
	start := time.Now()
	res = ingestion.SourceResult{Source: src.Name, Format: src.Format}
	log := logger.FromContext(ctx, p.logger).With("source", src.Name, "format", src.Format)
	ctx, span := tracing.StartChildSpan(ctx, "source:"+src.Name)

	defer func() {
		res.Duration = time.Since(start)
		span.SetAttr("rows", res.RowsWritten)
		span.End()
		p.recordOutcome(res)
		if res.Err != nil {
			log.Error("source failed", "error", res.Err, "pages", res.PagesFetched, "pages_failed", res.PagesFailed)
			return
		}
		log.Info("source ingested",
			"pages", res.PagesFetched,
			"records", res.RecordsExtracted,
			"skipped", res.RecordsSkipped,
			"rows", res.RowsWritten,
			"duration", res.Duration,
		)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = fmt.Errorf("not started: %w", err)
		return res
	}

	skip := func(reason string, err error) {
		res.RecordsSkipped++
		if p.metrics != nil {
			p.metrics.RecordsSkippedTotal.WithLabelValues(src.Name, reason).Inc()
		}
		log.Debug("record skipped", "reason", reason, "error", err)
	}
	x, err := extractor.For(src, skip)
	if err != nil {
		res.Err = err
		return res
	}

	records, err := p.collect(ctx, src, x, skip, &res, log)
	if err != nil {
		res.Err = err
		return res
	}

	storeCtx, storeSpan := tracing.StartChildSpan(ctx, "store")
	res.RowsByTable, err = p.write(storeCtx, records)
	storeSpan.End()
	if err != nil {
		res.Err = err
		return res
	}
	for _, n := range res.RowsByTable {
		res.RowsWritten += n
	}

	p.notifier.SourceCompleted(ctx, logger.RunID(ctx), res)
	return res
}

// collect fetches and extracts the whole source into memory. Pages that
// cannot be fetched and documents that cannot be read are skipped, but the
// source fails when nothing usable was fetched.
func (p *Pipeline) collect(
	ctx context.Context,
	src ingestion.ReportSource,
	x extractor.Extractor,
	skip extractor.SkipFunc,
	res *ingestion.SourceResult,
	log *slog.Logger,
) ([]ingestion.Record, error) {
	ctx, span := tracing.StartChildSpan(ctx, "fetch-extract")
	defer span.End()

	var (
		records    []ingestion.Record
		fetchErr   error
		extractErr error
	)
	for doc, err := range p.fetcher.Fetch(ctx, src) {
		if err != nil {
			res.PagesFailed++
			fetchErr = cmp.Or(fetchErr, err)
			log.Warn("page skipped", "error", err)
			continue
		}
		res.PagesFetched++

		seq, err := x.Extract(doc)
		if err != nil {
			res.DocumentsRejected++
			extractErr = cmp.Or(extractErr, err)
			if p.metrics != nil {
				p.metrics.RecordsSkippedTotal.WithLabelValues(src.Name, "rejected-document").Inc()
			}
			log.Warn("document rejected", "url", doc.URL, "error", err)
			continue
		}
		for rec := range seq {
			if err := p.store.Validate(rec); err != nil {
				skip(ReasonInvalidRecord, err)
				continue
			}
			res.UnparsedValues += p.countRecord(rec, log)
			res.RecordsExtracted++
			records = append(records, rec)
		}
	}
	span.SetAttr("records", len(records))

	switch {
	case res.PagesFetched == 0 && fetchErr != nil:
		return nil, fmt.Errorf("no document could be fetched: %w", fetchErr)
	case res.PagesFetched == 0:
		return nil, apperrors.New(apperrors.ErrFetch, "source yielded no documents")
	case res.DocumentsRejected == res.PagesFetched:
		return nil, fmt.Errorf("every fetched document was rejected: %w", extractErr)
	}
	return records, nil
}

// write upserts every record in one batch. Any error rolls the whole batch
// back.
func (p *Pipeline) write(ctx context.Context, records []ingestion.Record) (map[string]int, error) {
	if len(records) == 0 {
		return map[string]int{}, nil
	}
	kinds := make(map[ingestion.Kind]struct{})
	for _, rec := range records {
		kinds[rec.Kind] = struct{}{}
	}
	if err := p.store.EnsureTables(ctx, slices.Sorted(maps.Keys(kinds))...); err != nil {
		return nil, err
	}
	return p.store.InBatch(ctx, func(b *store.Batch) error {
		for _, rec := range records {
			if err := b.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// isContextErr reports whether err came from the run context ending.
func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// countRecord updates the extraction metrics and returns the number of
// unparsed values in rec.
func (p *Pipeline) countRecord(rec ingestion.Record, log *slog.Logger) int {
	if p.metrics != nil {
		p.metrics.RecordsExtractedTotal.WithLabelValues(string(rec.Kind)).Inc()
	}
	unparsed := rec.UnparsedFields()
	for _, field := range unparsed {
		if p.metrics != nil {
			p.metrics.UnparsedValuesTotal.WithLabelValues(string(rec.Kind), field).Inc()
		}
		log.Warn("numeric value kept as text", "kind", rec.Kind, "field", field, "value", rec.Fields[field])
	}
	return len(unparsed)
}

func (p *Pipeline) recordOutcome(res ingestion.SourceResult) {
	if p.metrics == nil {
		return
	}
	p.metrics.SourceDuration.WithLabelValues(res.Source).Observe(res.Duration.Seconds())
	if res.Failed() {
		p.metrics.SourcesTotal.WithLabelValues("failed").Inc()
		return
	}
	p.metrics.SourcesTotal.WithLabelValues("ok").Inc()
	for table, n := range res.RowsByTable {
		p.metrics.RowsUpsertedTotal.WithLabelValues(table).Add(float64(n))
	}
	p.metrics.LastSuccessfulIngestTS.WithLabelValues(res.Source).SetToCurrentTime()
}
