package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
)

func printSummary(w io.Writer, s ingestion.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tFORMAT\tPAGES\tPAGE ERRORS\tRECORDS\tSKIPPED\tROWS\tSTATUS")
	for _, r := range s.Sources {
		status := "ok"
		if r.Failed() {
			status = "FAILED: " + r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Source, r.Format, r.PagesFetched, r.PagesFailed, r.RecordsExtracted, r.RecordsSkipped, r.RowsWritten, status)
	}
	tw.Flush()

	t := s.Totals()
	fmt.Fprintf(w, "\nrun %s: %d sources, %d failed, %d rows in %s\n",
		s.RunID, t.Sources, t.Failed, t.RowsWritten, s.Duration.Round(time.Millisecond))
	for _, table := range t.Tables() {
		fmt.Fprintf(w, "  %-20s %d\n", table, t.RowsByTable[table])
	}
	if t.UnparsedValues > 0 {
		fmt.Fprintf(w, "  %d numeric values kept as text\n", t.UnparsedValues)
	}
}
