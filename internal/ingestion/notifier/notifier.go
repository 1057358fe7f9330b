// Package notifier hands completed sources to downstream consumers as Kafka
// events and defines the request message that triggers an ingestion.
package notifier

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/metrics"
)

// SourceCompleted is published after a source's batch has been committed.
type SourceCompleted struct {
	RunID       string         `json:"run_id"`
	Source      string         `json:"source"`
	Format      string         `json:"format"`
	RowsByTable map[string]int `json:"rows_by_table"`
	Records     int            `json:"records"`
	Skipped     int            `json:"skipped"`
	Unparsed    int            `json:"unparsed"`
	CompletedAt time.Time      `json:"completed_at"`
}

// IngestRequest asks a long-running consumer to ingest one source: either a
// configured one by name or an inline definition.
type IngestRequest struct {
	Source      string               `json:"source,omitempty"`
	Inline      *config.SourceConfig `json:"inline,omitempty"`
	RequestedBy string               `json:"requested_by,omitempty"`
}

// Notifier is told about every committed source. Implementations never fail
// the caller.
type Notifier interface {
	SourceCompleted(ctx context.Context, runID string, res ingestion.SourceResult)
}

// Noop discards notifications. Used when Kafka is disabled.
type Noop struct{}

func (Noop) SourceCompleted(context.Context, string, ingestion.SourceResult) {}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

var _ Publisher = (*kafka.Producer)(nil)

// Kafka publishes SourceCompleted events keyed by source name so that events
// for one source stay ordered on a partition.
type Kafka struct {
	pub     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewKafka(pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{pub: pub, metrics: m, logger: logger.With("component", "notifier")}
}

func (k *Kafka) SourceCompleted(ctx context.Context, runID string, res ingestion.SourceResult) {
	event := SourceCompleted{
		RunID:       runID,
		Source:      res.Source,
		Format:      string(res.Format),
		RowsByTable: maps.Clone(res.RowsByTable),
		Records:     res.RecordsExtracted,
		Skipped:     res.RecordsSkipped,
		Unparsed:    res.UnparsedValues,
		CompletedAt: time.Now().UTC(),
	}
	if err := k.pub.Publish(ctx, kafka.Event{Key: res.Source, Value: event}); err != nil {
		k.logger.Error("source completion not published", "source", res.Source, "error", err)
		if k.metrics != nil {
			k.metrics.NotificationsFailed.Inc()
		}
		return
	}
	k.logger.Debug("source completion published", "source", res.Source, "rows", res.RowsWritten)
}
