// Package ingestion defines the data model shared by the fetch, extract and
// store stages of the report ingestion pipeline: report sources, raw
// documents, extracted records and the per-run summary.
package ingestion

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
)

// Format says how a source is fetched and which extractor reads it.
type Format string

const (
	FormatDVReport    Format = "dv-report"
	FormatE2ETimeline Format = "e2e-timeline"
	FormatCITimeline  Format = "ci-timeline"
	FormatTestLog     Format = "test-log"
	FormatReviewHTML  Format = "review-html"
)

var formats = []Format{FormatDVReport, FormatE2ETimeline, FormatCITimeline, FormatTestLog, FormatReviewHTML}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.TrimSpace(s))
	if !slices.Contains(formats, f) {
		return "", apperrors.Newf(apperrors.ErrUnknownFormat, "%q", s)
	}
	return f, nil
}

// Paginated reports whether the format walks a chain of report pages rather
// than reading a single static document.
func (f Format) Paginated() bool {
	return f == FormatReviewHTML
}

const (
	// DefaultLatest is the page a review site is entered from.
	DefaultLatest = "latest/report.html"
	// DefaultLinkPattern matches links to timestamped historical reports.
	DefaultLinkPattern = `\d{4}.\d{2}.\d{2}_\d{2}.\d{2}.\d{2}/report.html`
	// DefaultE2EJob is the timeline job holding the nightly end-to-end tests.
	DefaultE2EJob = "ROM E2E Tests"
	// DefaultMaxPages bounds a paginated source when none is configured.
	DefaultMaxPages = 10
	// LatestAlias replaces the {} placeholder in location templates.
	LatestAlias = "latest"
)

// ReportSource is one configured origin of reports.
type ReportSource struct {
	Name     string
	Format   Format
	Location string
	// MaxPages bounds the number of documents fetched. Zero means the
	// format's default: 1 for static formats, DefaultMaxPages otherwise.
	MaxPages    int
	Latest      string
	LinkPattern string
	Job         string
	// Review is "cdc" or "rdc" for review-html sources.
	Review string
}

// SourceFromConfig converts a configured source into a ReportSource.
func SourceFromConfig(c config.SourceConfig) (ReportSource, error) {
	f, err := ParseFormat(c.Format)
	if err != nil {
		return ReportSource{}, fmt.Errorf("source %s: %w", c.Name, err)
	}
	src := ReportSource{
		Name:        c.Name,
		Format:      f,
		Location:    c.Location,
		MaxPages:    c.MaxPages,
		Latest:      c.Latest,
		LinkPattern: c.LinkPattern,
		Job:         c.Job,
		Review:      c.Review,
	}
	if f == FormatReviewHTML && src.Review == "" {
		return ReportSource{}, apperrors.Newf(apperrors.ErrInvalidConfig, "source %s: review-html needs review kind cdc or rdc", c.Name)
	}
	return src, nil
}

// SourcesFromConfig converts every entry, stopping at the first invalid one.
func SourcesFromConfig(cs []config.SourceConfig) ([]ReportSource, error) {
	out := make([]ReportSource, 0, len(cs))
	for _, c := range cs {
		src, err := SourceFromConfig(c)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// PageLimit returns the effective document bound for the source.
func (s ReportSource) PageLimit() int {
	if s.MaxPages > 0 {
		if !s.Format.Paginated() {
			return 1
		}
		return s.MaxPages
	}
	if s.Format.Paginated() {
		return DefaultMaxPages
	}
	return 1
}

// RawDocument is a fetched page, immutable once produced.
type RawDocument struct {
	Source     string
	URL        string
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
	Cached     bool
}

// Kind names the shape of an extracted record. Each kind maps to exactly one
// store table.
type Kind string

const (
	KindDVTest     Kind = "dv_test"
	KindDVFailure  Kind = "dv_failure"
	KindE2ETest    Kind = "e2e_test"
	KindCITest     Kind = "ci_test"
	KindCIJob      Kind = "ci_job"
	KindCDCSummary Kind = "cdc_summary"
	KindRDCSummary Kind = "rdc_summary"
)

// Category groups kinds by what they describe.
type Category string

const (
	CategoryTestResult    Category = "test-result"
	CategoryJobResult     Category = "job-result"
	CategoryReviewSummary Category = "review-summary"
	CategoryFailureDetail Category = "failure-detail"
)

func (k Kind) Category() Category {
	switch k {
	case KindDVTest, KindE2ETest, KindCITest:
		return CategoryTestResult
	case KindCIJob:
		return CategoryJobResult
	case KindCDCSummary, KindRDCSummary:
		return CategoryReviewSummary
	case KindDVFailure:
		return CategoryFailureDetail
	}
	return ""
}

// ReviewKind maps a review site kind ("cdc", "rdc") to its record kind.
func ReviewKind(review string) (Kind, error) {
	switch review {
	case "cdc":
		return KindCDCSummary, nil
	case "rdc":
		return KindRDCSummary, nil
	}
	return "", apperrors.Newf(apperrors.ErrInvalidConfig, "unknown review kind %q", review)
}

// Record is a flat field map extracted from a document. Values are string,
// int64, float64, Unparsed or nil.
type Record struct {
	Kind   Kind
	Fields map[string]any
}

// NewRecord returns an empty record of the given kind.
func NewRecord(kind Kind) Record {
	return Record{Kind: kind, Fields: make(map[string]any)}
}

// Set stores v under name. nil and the empty string leave the field absent
// so that it is written as NULL.
func (r Record) Set(name string, v any) Record {
	if s, ok := v.(string); (ok && s == "") || v == nil {
		return r
	}
	r.Fields[name] = v
	return r
}

// UnparsedFields lists the fields whose numeric value could not be parsed,
// sorted by name.
func (r Record) UnparsedFields() []string {
	var out []string
	for name, v := range r.Fields {
		if _, ok := v.(Unparsed); ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
