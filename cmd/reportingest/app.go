package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/cache"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/fetcher"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/notifier"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/store"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/redis"
)

// app is the wired object graph behind every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    *store.Store
	redis    *pkgredis.Client
	cache    *cache.PageCache
	pipeline *pipeline.Pipeline
	out      io.Writer
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, out, errOut io.Writer) (*app, error) {
	log := logger.New(errOut, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.Open(ctx, cfg.Store, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	a := &app{cfg: cfg, logger: log, metrics: m, store: st, out: out}
	a.closers = append(a.closers, st.Close)
	log.Info("store opened", "driver", cfg.Store.Driver)

	fetchOpts := []fetcher.Option{fetcher.WithMetrics(m)}
	if cfg.Redis.Enabled {
		rc, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn("page cache unavailable, fetching every page", "addr", cfg.Redis.Addr, "error", err)
		} else {
			a.redis = rc
			a.cache = cache.New(rc, cfg.Redis.CacheTTL, m, log)
			a.closers = append(a.closers, rc.Close)
			fetchOpts = append(fetchOpts, fetcher.WithCache(a.cache))
			log.Info("page cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var n notifier.Notifier = notifier.Noop{}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SourceCompleted, log)
		a.closers = append(a.closers, producer.Close)
		n = notifier.NewKafka(producer, m, log)
		log.Info("completion events enabled", "topic", cfg.Kafka.Topics.SourceCompleted)
	}

	a.pipeline = pipeline.New(
		fetcher.New(cfg.Fetch, log, fetchOpts...),
		st,
		cfg.Pipeline,
		log,
		pipeline.WithMetrics(m),
		pipeline.WithNotifier(n),
	)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for _, c := range slices.Backward(a.closers) {
		if err := c(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// ingest runs the sources once, prints the summary and reports failure as an
// error so the process exits non-zero.
func (a *app) ingest(ctx context.Context, sources []ingestion.ReportSource) error {
	summary := a.pipeline.Run(ctx, sources)
	printSummary(a.out, summary)

	if gw := a.cfg.Metrics.PushGateway; gw != "" {
		if err := a.metrics.Push(ctx, gw, a.cfg.Metrics.Job); err != nil {
			a.logger.Warn("metrics push failed", "gateway", gw, "error", err)
		}
	}

	if summary.Err != nil {
		return fmt.Errorf("run %s incomplete: %w", summary.RunID, summary.Err)
	}
	if failed := summary.FailedSources(); len(failed) > 0 {
		return fmt.Errorf("%d of %d sources failed: %s", len(failed), len(summary.Sources), strings.Join(failed, ", "))
	}
	return nil
}
