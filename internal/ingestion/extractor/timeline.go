package extractor

import (
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
)

// Mode selects what a Timeline extractor emits.
type Mode int

const (
	// ModeE2E emits e2e_test records from the logs of a single named job.
	ModeE2E Mode = iota
	// ModeCI emits a ci_job per job and a ci_test per matching log line of
	// every job.
	ModeCI
)

// ciLogLineLimit bounds how much of a CI log line is matched; job logs carry
// very long command lines that never hold a result.
const ciLogLineLimit = 200

// CIDayLayout formats the timeline start of a CI pipeline.
const CIDayLayout = "2006-01-02 15:04:05"

// Timeline reads a CI timeline dump: a JSON array of pipeline runs, each
// with one or more timelines of jobs. Only the last timeline of a run is
// considered.
type Timeline struct {
	Mode Mode
	Job  string
	Skip SkipFunc
}

type pipelineRun struct {
	Commit    string            `json:"commit"`
	Branch    string            `json:"branch"`
	ID        any               `json:"id"`
	Pipeline  any               `json:"pipeline"`
	Timelines []json.RawMessage `json:"timelines"`
}

type timelineEntry struct {
	Start any               `json:"start"`
	Jobs  []json.RawMessage `json:"jobs"`
}

type timelineJob struct {
	Name   string `json:"name"`
	Start  any    `json:"start"`
	Finish any    `json:"finish"`
	Result any    `json:"result"`
	Logs   []any  `json:"logs"`
}

func (x *Timeline) Extract(doc *ingestion.RawDocument) (iter.Seq[ingestion.Record], error) {
	var runs []json.RawMessage
	if err := decodeJSON(doc.Body, &runs); err != nil {
		return nil, extractionError(doc, "timeline dump is not a JSON array", err)
	}

	return func(yield func(ingestion.Record) bool) {
		for i, raw := range runs {
			var run pipelineRun
			if err := decodeJSON(raw, &run); err != nil {
				x.Skip.skip(ReasonMalformedLeaf, "pipeline %d: %w", i, err)
				continue
			}
			if len(run.Timelines) == 0 {
				x.Skip.skip(ReasonMissingTimeline, "pipeline %d (%v) has no timelines", i, run.ID)
				continue
			}
			var tl timelineEntry
			if err := decodeJSON(run.Timelines[len(run.Timelines)-1], &tl); err != nil {
				x.Skip.skip(ReasonMalformedLeaf, "pipeline %d timeline: %w", i, err)
				continue
			}
			var ok bool
			if x.Mode == ModeE2E {
				ok = x.e2e(run, tl, yield)
			} else {
				ok = x.ci(run, tl, yield)
			}
			if !ok {
				return
			}
		}
	}, nil
}

func (x *Timeline) jobs(tl timelineEntry) iter.Seq[timelineJob] {
	return func(yield func(timelineJob) bool) {
		for _, raw := range tl.Jobs {
			var job timelineJob
			if err := decodeJSON(raw, &job); err != nil {
				x.Skip.skip(ReasonMalformedLeaf, "job: %w", err)
				continue
			}
			if !yield(job) {
				return
			}
		}
	}
}

func (x *Timeline) e2e(run pipelineRun, tl timelineEntry, yield func(ingestion.Record) bool) bool {
	rev := truncate(run.Commit, 10)
	for job := range x.jobs(tl) {
		if job.Name != x.Job {
			continue
		}
		for _, l := range job.Logs {
			line, ok := asString(l)
			if !ok {
				continue
			}
			m, ok := matchTestLine(line)
			if !ok {
				continue
			}
			rec := ingestion.NewRecord(ingestion.KindE2ETest).
				Set("day", m.day).
				Set("git_revision", rev).
				Set("test", m.test).
				Set("runtime_s", m.runtime).
				Set("state", m.state)
			if !yield(rec) {
				return false
			}
		}
		return true
	}
	x.Skip.skip(ReasonMissingJob, "pipeline %v has no job %q", run.ID, x.Job)
	return true
}

func (x *Timeline) ci(run pipelineRun, tl timelineEntry, yield func(ingestion.Record) bool) bool {
	day, err := msToDay(tl.Start)
	if err != nil {
		x.Skip.skip(ReasonMalformedLeaf, "pipeline %v: %w", run.ID, err)
		return true
	}
	rev := truncate(run.Commit, 10)
	pipelineID := ingestion.IntValue(run.ID)
	pipelineName := ingestion.StringValue(run.Pipeline)

	var jobs []timelineJob
	for job := range x.jobs(tl) {
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		if job.Name == "" || job.Start == nil || job.Finish == nil {
			x.Skip.skip(ReasonMalformedLeaf, "pipeline %v: job %q lacks name or times", run.ID, job.Name)
			continue
		}
		rec := ingestion.NewRecord(ingestion.KindCIJob).
			Set("day", day).
			Set("start_time", ingestion.IntValue(job.Start)).
			Set("end_time", ingestion.IntValue(job.Finish)).
			Set("git_revision", rev).
			Set("name", job.Name).
			Set("status", ingestion.StringValue(job.Result)).
			Set("pipeline_id", pipelineID).
			Set("pipeline_name", pipelineName).
			Set("branch", run.Branch)
		if !yield(rec) {
			return false
		}
	}

	for _, job := range jobs {
		for _, l := range job.Logs {
			line, ok := asString(l)
			if !ok {
				continue
			}
			m, ok := matchTestLine(truncate(line, ciLogLineLimit))
			if !ok {
				continue
			}
			rec := ingestion.NewRecord(ingestion.KindCITest).
				Set("day", day).
				Set("git_revision", rev).
				Set("name", m.test).
				Set("job", job.Name).
				Set("runtime_s", m.runtime).
				Set("status", m.state).
				Set("pipeline_id", pipelineID).
				Set("pipeline_name", pipelineName).
				Set("branch", run.Branch)
			if !yield(rec) {
				return false
			}
		}
	}
	return true
}

func msToDay(v any) (string, error) {
	ms, ok := ingestion.IntValue(v).(int64)
	if !ok {
		return "", fmt.Errorf("timeline start %v is not a millisecond timestamp", v)
	}
	return time.UnixMilli(ms).UTC().Format(CIDayLayout), nil
}
