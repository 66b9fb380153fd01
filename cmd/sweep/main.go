// Command sweep is the background janitor this module expects an
// external scheduler to run continuously: partition maintenance and
// expired-reservation release, both self-throttled via internal/sweep.
// Grounded on the teacher's cmd/worker janitor loop, generalized from
// a single fixed cleanup cycle to the two sweeps this domain needs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lavente-platform/iam-core/internal/appconfig"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/internal/metering"
	"github.com/lavente-platform/iam-core/internal/sweep"
	"github.com/lavente-platform/iam-core/pkg/logger"
)

func main() {
	cfg := appconfig.Load()
	appLogger := logger.Setup(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := dbctx.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		appLogger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	auditStore := audit.NewStore(pool, appLogger)
	meteringStore := metering.NewStore(pool, appLogger)
	runner := sweep.NewRunner(auditStore, meteringStore, appLogger)

	appLogger.Info("sweep worker started", "interval", cfg.SweepInterval)
	runner.RunPartitionMaintenance(ctx, cfg.SweepPartitionsAhead, cfg.SweepPartitionRetention)
	runner.RunExpiredReservationRelease(ctx, "")

	runner.Run(ctx, cfg.SweepInterval, cfg.SweepPartitionsAhead, cfg.SweepPartitionRetention)
	appLogger.Info("sweep worker shut down")
}
