package ingestion

import (
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
)

// FetchError reports a page that could not be retrieved. The page is
// skipped; the source continues with whatever else it can reach.
type FetchError struct {
	Source     string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return unwrapWith(apperrors.ErrFetch, e.Err)
}

// ExtractionError reports a document whose top-level shape is missing.
// Leaf-level problems never produce one.
type ExtractionError struct {
	Source string
	URL    string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() []error {
	return unwrapWith(apperrors.ErrExtraction, e.Err)
}

// StoreError reports a failed write. It fails the whole batch.
type StoreError struct {
	Table string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return unwrapWith(apperrors.ErrStore, e.Err)
}

func unwrapWith(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, cause}
}
