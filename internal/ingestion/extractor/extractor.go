// Package extractor turns fetched report documents into flat records. Each
// format has its own extractor; all of them share one failure rule: a
// document whose top-level shape is missing yields an ExtractionError, while
// a malformed leaf is dropped on its own and reported through a SkipFunc.
package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"regexp"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
)

// Extractor parses one document into a lazy sequence of records.
type Extractor interface {
	Extract(doc *ingestion.RawDocument) (iter.Seq[ingestion.Record], error)
}

// Reasons passed to a SkipFunc.
const (
	ReasonMalformedLeaf   = "malformed-leaf"
	ReasonMissingJob      = "missing-job"
	ReasonMissingTimeline = "missing-timeline"
)

// SkipFunc is called for every leaf an extractor drops. Lines that simply do
// not match a log pattern are not reported.
type SkipFunc func(reason string, err error)

func (f SkipFunc) skip(reason string, format string, args ...any) {
	if f != nil {
		f(reason, fmt.Errorf(format, args...))
	}
}

// testLinePattern matches a device test result in a CI log line and captures
// the date, the test target name, the outcome and the runtime in seconds.
var testLinePattern = regexp.MustCompile(`([\d-]+).*?//sw/device[\w/-]+:(\w+)\s+.*?(PASSED|FAILED|TIMEOUT).*?in\s([\d.]+)s`)

type testLine struct {
	day     string
	test    string
	state   string
	runtime any
}

func matchTestLine(line string) (testLine, bool) {
	m := testLinePattern.FindStringSubmatch(line)
	if m == nil {
		return testLine{}, false
	}
	return testLine{day: m[1], test: m[2], state: m[3], runtime: ingestion.ParseFloat(m[4])}, true
}

// For returns the extractor matching the source's format.
func For(src ingestion.ReportSource, skip SkipFunc) (Extractor, error) {
	switch src.Format {
	case ingestion.FormatDVReport:
		return &DVReport{Skip: skip}, nil
	case ingestion.FormatE2ETimeline:
		job := src.Job
		if job == "" {
			job = ingestion.DefaultE2EJob
		}
		return &Timeline{Mode: ModeE2E, Job: job, Skip: skip}, nil
	case ingestion.FormatCITimeline:
		return &Timeline{Mode: ModeCI, Skip: skip}, nil
	case ingestion.FormatTestLog:
		return &TestLog{}, nil
	case ingestion.FormatReviewHTML:
		kind, err := ingestion.ReviewKind(src.Review)
		if err != nil {
			return nil, err
		}
		return &ReviewHTML{Kind: kind, Skip: skip}, nil
	}
	return nil, apperrors.Newf(apperrors.ErrUnknownFormat, "%q", src.Format)
}

func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func extractionError(doc *ingestion.RawDocument, reason string, err error) error {
	return &ingestion.ExtractionError{Source: doc.Source, URL: doc.URL, Reason: reason, Err: err}
}

// truncate limits s to n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
