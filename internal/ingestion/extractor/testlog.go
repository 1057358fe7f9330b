package extractor

import (
	"iter"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
)

// TestLog reads a plain-text test log and emits an e2e_test for every line
// reporting a device test result. Every other line is ignored; logs
// interleave build output with results.
type TestLog struct{}

func (TestLog) Extract(doc *ingestion.RawDocument) (iter.Seq[ingestion.Record], error) {
	body := string(doc.Body)
	return func(yield func(ingestion.Record) bool) {
		for line := range strings.Lines(body) {
			m, ok := matchTestLine(strings.TrimRight(line, "\r\n"))
			if !ok {
				continue
			}
			rec := ingestion.NewRecord(ingestion.KindE2ETest).
				Set("day", m.day).
				Set("test", m.test).
				Set("state", m.state).
				Set("runtime_s", m.runtime)
			if !yield(rec) {
				return
			}
		}
	}, nil
}
