package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	store      string
	driver     string
	logLevel   string
	workers    int
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "reportingest",
		Short: "Ingest verification reports into a relational store",
		Long: "reportingest fetches DV regression reports, CI timelines, test logs and CDC/RDC review " +
			"sites, extracts flat records from them and upserts the records into SQLite or PostgreSQL.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", os.Getenv("RI_CONFIG"), "path to YAML config file")
	pf.StringVar(&opts.store, "store", "", "SQLite path or PostgreSQL DSN, overriding the config")
	pf.StringVar(&opts.driver, "driver", "", "store driver: sqlite or postgres")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.IntVar(&opts.workers, "workers", 0, "number of sources ingested concurrently")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperrors.New(apperrors.ErrUsage, err.Error())
	})

	cmd.AddCommand(
		newDVCmd(opts),
		newE2ECmd(opts),
		newCIMasterCmd(opts),
		newReviewCmd(opts),
		newRunCmd(opts),
		newConsumeCmd(opts),
	)
	return cmd
}

// usageArgs makes positional-argument errors, including unknown subcommands,
// exit as bad usage.
func usageArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return apperrors.New(apperrors.ErrUsage, err.Error())
		}
		return nil
	}
}

// load reads the config file and applies flag overrides on top of it.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.driver != "" {
		cfg.Store.Driver = o.driver
	}
	if o.store != "" {
		if cfg.Store.Driver == "postgres" {
			cfg.Postgres.DSN = o.store
		} else {
			cfg.Store.Path = o.store
		}
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.workers > 0 {
		cfg.Pipeline.Workers = o.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selector picks the sources a subcommand ingests.
type selector func(cfg *config.Config) ([]ingestion.ReportSource, error)

// ingest loads the config, selects sources and runs them once.
func (o *rootOptions) ingest(cmd *cobra.Command, sel selector, hooks ...func(*app) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	sources, err := sel(cfg)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return apperrors.New(apperrors.ErrUnknownSource, "no sources selected; pass arguments or configure sources")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	for _, hook := range hooks {
		if err := hook(a); err != nil {
			return err
		}
	}
	return a.ingest(ctx, sources)
}
