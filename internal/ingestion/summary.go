package ingestion

import (
	"maps"
	"slices"
	"time"
)

// SourceResult is the outcome of ingesting one source.
type SourceResult struct {
	Source            string         `json:"source"`
	Format            Format         `json:"format"`
	PagesFetched      int            `json:"pages_fetched"`
	PagesFailed       int            `json:"pages_failed"`
	DocumentsRejected int            `json:"documents_rejected"`
	RecordsExtracted  int            `json:"records_extracted"`
	RecordsSkipped    int            `json:"records_skipped"`
	RowsWritten       int            `json:"rows_written"`
	RowsByTable       map[string]int `json:"rows_by_table,omitempty"`
	UnparsedValues    int            `json:"unparsed_values"`
	Duration          time.Duration  `json:"duration"`
	Err               error          `json:"-"`
}

// Failed reports whether the source failed outright.
func (r SourceResult) Failed() bool {
	return r.Err != nil
}

// RunSummary aggregates the results of one pipeline run.
type RunSummary struct {
	RunID    string         `json:"run_id"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Sources  []SourceResult `json:"sources"`
	// Err is set when the run as a whole was cut short, e.g. by its deadline.
	Err error `json:"-"`
}

// Failed reports whether any source failed or the run was cut short.
// Skipped records and pages never count.
func (s RunSummary) Failed() bool {
	if s.Err != nil {
		return true
	}
	for _, r := range s.Sources {
		if r.Failed() {
			return true
		}
	}
	return false
}

// FailedSources returns the names of failed sources in run order.
func (s RunSummary) FailedSources() []string {
	var out []string
	for _, r := range s.Sources {
		if r.Failed() {
			out = append(out, r.Source)
		}
	}
	return out
}

// Totals sums the per-source counters.
type Totals struct {
	Sources          int
	Failed           int
	PagesFetched     int
	PagesFailed      int
	RecordsExtracted int
	RecordsSkipped   int
	RowsWritten      int
	UnparsedValues   int
	RowsByTable      map[string]int
}

func (s RunSummary) Totals() Totals {
	t := Totals{RowsByTable: make(map[string]int)}
	for _, r := range s.Sources {
		t.Sources++
		if r.Failed() {
			t.Failed++
		}
		t.PagesFetched += r.PagesFetched
		t.PagesFailed += r.PagesFailed
		t.RecordsExtracted += r.RecordsExtracted
		t.RecordsSkipped += r.RecordsSkipped
		t.RowsWritten += r.RowsWritten
		t.UnparsedValues += r.UnparsedValues
		for table, n := range r.RowsByTable {
			t.RowsByTable[table] += n
		}
	}
	return t
}

// Tables lists the tables written during the run, sorted.
func (t Totals) Tables() []string {
	return slices.Sorted(maps.Keys(t.RowsByTable))
}
