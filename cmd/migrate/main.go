// Command migrate applies schema migrations and, with -partitions,
// drives the audit partition-maintenance contract that an external
// cron job is expected to call on a schedule (spec §1, §4.2).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/lavente-platform/iam-core/internal/appconfig"
	"github.com/lavente-platform/iam-core/internal/audit"
	"github.com/lavente-platform/iam-core/internal/dbctx"
	"github.com/lavente-platform/iam-core/pkg/logger"
)

func main() {
	partitions := flag.Bool("partitions", false, "ensure upcoming audit partitions exist and drop expired ones, then exit")
	monthsAhead := flag.Int("months-ahead", 3, "how many future months of audit partitions to ensure")
	flag.Parse()

	cfg := appconfig.Load()
	appLogger := logger.Setup(cfg.Environment)

	if *partitions {
		runPartitionMaintenance(cfg, appLogger, *monthsAhead)
		return
	}

	runSchemaMigration(cfg)
}

func runSchemaMigration(cfg appconfig.Config) {
	m, err := migrate.New("file://migrations", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("migration init failed: %v", err)
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Println("database is up to date")
			return
		}
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migrations applied successfully")
}

func runPartitionMaintenance(cfg appconfig.Config, appLogger *slog.Logger, monthsAhead int) {
	ctx := context.Background()
	pool, err := dbctx.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer pool.Close()

	store := audit.NewStore(pool, appLogger)
	if err := store.EnsurePartitions(ctx, monthsAhead); err != nil {
		log.Fatalf("ensure partitions failed: %v", err)
	}
	if err := store.DropPartitions(ctx, cfg.AuditPartitionRetentionMonths); err != nil {
		log.Fatalf("drop partitions failed: %v", err)
	}
	log.Println("partition maintenance complete")
}
