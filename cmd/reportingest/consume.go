package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion/notifier"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/metrics"
)

func newConsumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Ingest sources on request from a Kafka topic",
		Long: "Run until interrupted, ingesting one source per IngestRequest message read from the " +
			"ingest-requests topic. Serves /metrics, /health/live and /health/ready on the metrics port.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if !cfg.Kafka.Enabled {
				return apperrors.New(apperrors.ErrInvalidConfig, "consume needs kafka.enabled and kafka.brokers")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			checker := health.NewChecker(a.logger)
			checker.Register("store", health.PingCheck(a.store.Ping))
			if a.redis != nil {
				checker.Register("redis", health.PingCheck(a.redis.Ping))
			}
			shutdown := metrics.StartServer(cfg.Metrics.Port, a.metrics, map[string]http.Handler{
				"/health/live":  checker.LiveHandler(),
				"/health/ready": checker.ReadyHandler(),
			}, a.logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					a.logger.Error("metrics server shutdown", "error", err)
				}
			}()

			consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IngestRequests, a.handleRequest, a.logger)
			defer consumer.Close()
			return consumer.Start(ctx)
		},
	}
}

// handleRequest ingests the source named by one IngestRequest message.
func (a *app) handleRequest(ctx context.Context, _ []byte, value []byte) error {
	req, err := kafka.DecodeJSON[notifier.IngestRequest](value)
	if err != nil {
		return err
	}
	src, err := resolveRequest(a.cfg, req)
	if err != nil {
		return err
	}
	a.logger.Info("ingest requested", "source", src.Name, "requested_by", req.RequestedBy)

	summary := a.pipeline.Run(ctx, []ingestion.ReportSource{src})
	if summary.Err != nil {
		return summary.Err
	}
	if res := summary.Sources[0]; res.Failed() {
		return fmt.Errorf("source %s: %w", src.Name, res.Err)
	}
	return nil
}

// resolveRequest turns a request into a source: an inline definition wins,
// otherwise the named source must exist in the config.
func resolveRequest(cfg *config.Config, req notifier.IngestRequest) (ingestion.ReportSource, error) {
	switch {
	case req.Inline != nil:
		if err := config.ValidateSource(*req.Inline); err != nil {
			return ingestion.ReportSource{}, err
		}
		return ingestion.SourceFromConfig(*req.Inline)
	case req.Source != "":
		sc, ok := cfg.Source(req.Source)
		if !ok {
			return ingestion.ReportSource{}, apperrors.Newf(apperrors.ErrUnknownSource, "%q", req.Source)
		}
		return ingestion.SourceFromConfig(sc)
	}
	return ingestion.ReportSource{}, apperrors.New(apperrors.ErrUsage, "ingest request names no source")
}
