package main

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
)

// defaultReviewSites are used by the review command when the config lists no
// review-html sources.
var defaultReviewSites = []config.SourceConfig{
	{Name: "cdc", Format: string(ingestion.FormatReviewHTML), Location: "https://reports.opentitan.org/hw/top_earlgrey/cdc/", Review: "cdc"},
	{Name: "rdc", Format: string(ingestion.FormatReviewHTML), Location: "https://reports.opentitan.org/hw/top_earlgrey/rdc/", Review: "rdc"},
}

func configured(formats ...ingestion.Format) selector {
	return func(cfg *config.Config) ([]ingestion.ReportSource, error) {
		names := make([]string, len(formats))
		for i, f := range formats {
			names[i] = string(f)
		}
		return ingestion.SourcesFromConfig(cfg.SourcesByFormat(names...))
	}
}

func newDVCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dv [url-template...]",
		Short: "Ingest DV regression reports",
		Long: "Ingest block-level DV regression reports. A {} in a URL template is replaced by \"latest\". " +
			"Without arguments every configured dv-report source is ingested.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := configured(ingestion.FormatDVReport)
			if len(args) > 0 {
				sel = fromArgs(args, ingestion.FormatDVReport, dvBlockName, nil)
			}
			return opts.ingest(cmd, sel)
		},
	}
}

func newE2ECmd(opts *rootOptions) *cobra.Command {
	var format, job string
	cmd := &cobra.Command{
		Use:   "e2e [timeline.json|test.log...]",
		Short: "Ingest nightly end-to-end test results",
		Long: "Ingest end-to-end test results from CI timeline dumps (the logs of one named job) or from " +
			"plain test logs. Without arguments every configured e2e-timeline and test-log source is ingested.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ingestion.ParseFormat(format)
			if err != nil {
				return err
			}
			if f != ingestion.FormatE2ETimeline && f != ingestion.FormatTestLog {
				return apperrors.Newf(apperrors.ErrUsage, "--format must be %s or %s", ingestion.FormatE2ETimeline, ingestion.FormatTestLog)
			}
			sel := configured(ingestion.FormatE2ETimeline, ingestion.FormatTestLog)
			if len(args) > 0 {
				sel = fromArgs(args, f, fileName, func(src *ingestion.ReportSource) { src.Job = job })
			}
			return opts.ingest(cmd, sel)
		},
	}
	cmd.Flags().StringVar(&format, "format", string(ingestion.FormatE2ETimeline), "input format: e2e-timeline or test-log")
	cmd.Flags().StringVar(&job, "job", ingestion.DefaultE2EJob, "timeline job holding the test logs")
	return cmd
}

func newCIMasterCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ci-master [timeline.json...]",
		Short: "Ingest CI jobs and tests of the master branch",
		Long: "Ingest every job and every device test result of CI timeline dumps. Without arguments every " +
			"configured ci-timeline source is ingested.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := configured(ingestion.FormatCITimeline)
			if len(args) > 0 {
				sel = fromArgs(args, ingestion.FormatCITimeline, fileName, nil)
			}
			return opts.ingest(cmd, sel)
		},
	}
}

func newReviewCmd(opts *rootOptions) *cobra.Command {
	var (
		kind       string
		pages      int
		purgeCache bool
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Ingest CDC and RDC review summaries",
		Long: "Walk the CDC and RDC review sites from their latest report back through older ones and " +
			"ingest the summary table of every page.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if kind != "" && kind != "cdc" && kind != "rdc" {
				return apperrors.Newf(apperrors.ErrUsage, "--kind must be cdc or rdc, got %q", kind)
			}
			sel := func(cfg *config.Config) ([]ingestion.ReportSource, error) {
				cs := cfg.SourcesByFormat(string(ingestion.FormatReviewHTML))
				if len(cs) == 0 {
					cs = defaultReviewSites
				}
				all, err := ingestion.SourcesFromConfig(cs)
				if err != nil {
					return nil, err
				}
				var out []ingestion.ReportSource
				for _, src := range all {
					if kind != "" && src.Review != kind {
						continue
					}
					if pages > 0 {
						src.MaxPages = pages
					}
					out = append(out, src)
				}
				return out, nil
			}
			var hooks []func(*app) error
			if purgeCache {
				hooks = append(hooks, func(a *app) error {
					if a.cache == nil {
						return nil
					}
					return a.cache.Invalidate(cmd.Context())
				})
			}
			return opts.ingest(cmd, sel, hooks...)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only this review kind: cdc or rdc (default both)")
	cmd.Flags().IntVar(&pages, "pages", 0, "maximum report pages per site (default from config, else 10)")
	cmd.Flags().BoolVar(&purgeCache, "purge-cache", false, "drop cached report pages before fetching")
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest every configured source",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sel := func(cfg *config.Config) ([]ingestion.ReportSource, error) {
				if len(only) == 0 {
					return ingestion.SourcesFromConfig(cfg.Sources)
				}
				picked := make([]config.SourceConfig, 0, len(only))
				for _, name := range only {
					sc, ok := cfg.Source(name)
					if !ok {
						return nil, apperrors.Newf(apperrors.ErrUnknownSource, "%q", name)
					}
					picked = append(picked, sc)
				}
				return ingestion.SourcesFromConfig(picked)
			}
			return opts.ingest(cmd, sel)
		},
	}
	cmd.Flags().StringSliceVar(&only, "source", nil, "ingest only the named sources (repeatable)")
	return cmd
}

// fromArgs builds one ad-hoc source per positional argument.
func fromArgs(args []string, f ingestion.Format, name func(string) string, adjust func(*ingestion.ReportSource)) selector {
	return func(*config.Config) ([]ingestion.ReportSource, error) {
		out := make([]ingestion.ReportSource, 0, len(args))
		used := make(map[string]bool)
		for _, loc := range args {
			base := name(loc)
			src := ingestion.ReportSource{Name: base, Format: f, Location: loc}
			for n := 2; used[src.Name]; n++ {
				src.Name = fmt.Sprintf("%s#%d", base, n)
			}
			used[src.Name] = true
			if adjust != nil {
				adjust(&src)
			}
			out = append(out, src)
		}
		return out, nil
	}
}

// dvBlockName returns the block a DV report URL belongs to: the path segment
// before the last "dv", e.g. aes for .../hw/ip/aes/dv/{}/report.json.
func dvBlockName(loc string) string {
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	for i, part := range slices.Backward(parts) {
		if part == "dv" && i > 0 {
			return parts[i-1]
		}
	}
	return loc
}

func fileName(loc string) string {
	if strings.Contains(loc, "://") {
		return loc
	}
	return filepath.Base(loc)
}
