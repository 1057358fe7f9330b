// Command reportingest pulls verification reports (DV regression reports,
// CI timelines, test logs and CDC/RDC review sites) into a relational store.
//
// Each report source is fetched, its records are extracted and upserted by
// natural key, so re-running a job never duplicates rows. The process exits
// with status 1 when any source failed outright and 2 on bad usage.
//
// Usage:
//
//	reportingest run --config configs/sources.yaml
//	reportingest dv https://reports.opentitan.org/hw/ip/aes/dv/{}/report.json
//	reportingest e2e --format test-log nightly.log
//	reportingest ci-master timelines.json
//	reportingest review --kind rdc --pages 5
//	reportingest consume --config configs/sources.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(apperrors.ExitCode(err))
}
