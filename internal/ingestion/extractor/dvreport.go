package extractor

import (
	"encoding/json"
	"errors"
	"iter"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
)

// DVReport reads a block-level DV regression report. It emits one dv_test
// per test of every testpoint and one dv_failure per failing run of every
// failure bucket.
type DVReport struct {
	Skip SkipFunc
}

type dvReport struct {
	ReportTimestamp any        `json:"report_timestamp"`
	GitRevision     string     `json:"git_revision"`
	Tool            string     `json:"tool"`
	BlockName       string     `json:"block_name"`
	Results         *dvResults `json:"results"`
}

type dvResults struct {
	Testpoints     []json.RawMessage `json:"testpoints"`
	FailureBuckets []json.RawMessage `json:"failure_buckets"`
}

type dvTestpoint struct {
	Name  string            `json:"name"`
	Stage string            `json:"stage"`
	Tests []json.RawMessage `json:"tests"`
}

type dvBucket struct {
	Identifier   string            `json:"identifier"`
	FailingTests []json.RawMessage `json:"failing_tests"`
}

type dvFailingTest struct {
	Name        string            `json:"name"`
	FailingRuns []json.RawMessage `json:"failing_runs"`
}

type dvFailingRun struct {
	Seed           any `json:"seed"`
	FailureMessage struct {
		Text string `json:"text"`
	} `json:"failure_message"`
}

func (x *DVReport) Extract(doc *ingestion.RawDocument) (iter.Seq[ingestion.Record], error) {
	var rep dvReport
	if err := decodeJSON(doc.Body, &rep); err != nil {
		return nil, extractionError(doc, "decoding report", err)
	}
	if rep.Results == nil || (rep.Results.Testpoints == nil && rep.Results.FailureBuckets == nil) {
		return nil, extractionError(doc, "report has no results", nil)
	}
	day, _ := ingestion.StringValue(rep.ReportTimestamp).(string)
	if day == "" {
		return nil, extractionError(doc, "report has no report_timestamp", nil)
	}
	rev := truncate(rep.GitRevision, 10)

	return func(yield func(ingestion.Record) bool) {
		for _, raw := range rep.Results.Testpoints {
			var tp dvTestpoint
			if err := decodeJSON(raw, &tp); err != nil {
				x.Skip.skip(ReasonMalformedLeaf, "testpoint: %w", err)
				continue
			}
			for _, rawTest := range tp.Tests {
				rec, err := dvTestRecord(rawTest)
				if err != nil {
					x.Skip.skip(ReasonMalformedLeaf, "testpoint %s: %w", tp.Name, err)
					continue
				}
				rec.Set("day", day).
					Set("git_revision", rev).
					Set("tool", rep.Tool).
					Set("block", rep.BlockName).
					Set("testpoint", tp.Name).
					Set("stage", tp.Stage)
				if !yield(rec) {
					return
				}
			}
		}

		for _, raw := range rep.Results.FailureBuckets {
			var bucket dvBucket
			if err := decodeJSON(raw, &bucket); err != nil {
				x.Skip.skip(ReasonMalformedLeaf, "failure bucket: %w", err)
				continue
			}
			for _, rawTest := range bucket.FailingTests {
				var ft dvFailingTest
				if err := decodeJSON(rawTest, &ft); err != nil {
					x.Skip.skip(ReasonMalformedLeaf, "failing test: %w", err)
					continue
				}
				for _, rawRun := range ft.FailingRuns {
					var run dvFailingRun
					if err := decodeJSON(rawRun, &run); err != nil {
						x.Skip.skip(ReasonMalformedLeaf, "failing run of %s: %w", ft.Name, err)
						continue
					}
					if run.Seed == nil {
						x.Skip.skip(ReasonMalformedLeaf, "failing run of %s has no seed", ft.Name)
						continue
					}
					rec := ingestion.NewRecord(ingestion.KindDVFailure).
						Set("day", day).
						Set("block", rep.BlockName).
						Set("test", ft.Name).
						Set("identifier", bucket.Identifier).
						Set("seed", ingestion.IntValue(run.Seed)).
						Set("failure_message", run.FailureMessage.Text)
					if !yield(rec) {
						return
					}
				}
			}
		}
	}, nil
}

func dvTestRecord(raw json.RawMessage) (ingestion.Record, error) {
	var t map[string]any
	if err := decodeJSON(raw, &t); err != nil {
		return ingestion.Record{}, err
	}
	name, _ := asString(t["name"])
	if name == "" {
		return ingestion.Record{}, errors.New("test without name")
	}
	rec := ingestion.NewRecord(ingestion.KindDVTest).
		Set("test", name).
		Set("max_runtime_s", ingestion.IntValue(t["max_runtime_s"])).
		Set("simulated_time_us", ingestion.IntValue(t["simulated_time_us"])).
		Set("total_runs", ingestion.IntValue(t["total_runs"])).
		Set("passing_runs", ingestion.IntValue(t["passing_runs"])).
		Set("pass_rate", ingestion.IntValue(t["pass_rate"]))
	return rec, nil
}
