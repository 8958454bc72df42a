package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/statement-extractor/internal/config"
	infraBQ "github.com/dvloznov/statement-extractor/internal/infra/bigquery"
	"github.com/dvloznov/statement-extractor/internal/logger"
	"github.com/dvloznov/statement-extractor/internal/store/bolt"
	"github.com/dvloznov/statement-extractor/internal/store/postgres"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/rs/zerolog"
)

type options struct {
	appliedBy     string
	migrationsDir string
	dryRun        bool
}

func main() {
	_ = godotenv.Load()

	fs := ff.NewFlagSet("migrate")
	flags := config.Register(fs)
	appliedBy := fs.StringLong("applied-by", "migrate-cli", "Name of the tool applying migrations")
	migrationsDir := fs.StringLong("migrations", "", "Directory of BigQuery migrations (default: the embedded set)")
	dryRun := fs.BoolLong("dry-run", "Report pending changes without applying them")

	if err := ff.Parse(fs, os.Args[1:], config.Options()...); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := flags.Config()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{appliedBy: *appliedBy, migrationsDir: *migrationsDir, dryRun: *dryRun}
	if err := run(ctx, cfg, opts, log); err != nil {
		log.Fatal().Err(err).Str("storage", cfg.Storage.Backend).Msg("Migration failed")
	}
}

// run brings the configured storage backend up to date.
func run(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger) error {
	switch cfg.Storage.Backend {
	case config.StorageBigQuery:
		return migrateBigQuery(ctx, cfg, opts, log)
	case config.StoragePostgres:
		return migratePostgres(cfg, opts, log)
	case config.StorageBolt:
		return migrateBolt(cfg, opts, log)
	}
	return fmt.Errorf("run: unknown storage backend %q", cfg.Storage.Backend)
}

func migrationSource(dir string) fs.FS {
	if dir == "" {
		return infraBQ.Migrations()
	}
	return os.DirFS(dir)
}

func migrateBigQuery(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger) error {
	ds := infraBQ.Dataset{Project: cfg.Storage.BigQueryProject, Name: cfg.Storage.BigQueryDataset}
	migrations, err := infraBQ.ReadMigrations(migrationSource(opts.migrationsDir), ds, log)
	if err != nil {
		return fmt.Errorf("migrateBigQuery: %w", err)
	}
	log.Info().Int("count", len(migrations)).Msg("Found migration files")

	client, err := bigquery.NewClient(ctx, ds.Project)
	if err != nil {
		return fmt.Errorf("migrateBigQuery: creating client: %w", err)
	}
	defer client.Close()

	log.Info().Str("project", ds.Project).Str("dataset", ds.Name).Msg("Connected to BigQuery")

	if opts.dryRun {
		applied, err := infraBQ.AppliedMigrationsWithClient(ctx, client, ds)
		if err != nil {
			return fmt.Errorf("migrateBigQuery: %w", err)
		}
		pending := infraBQ.PendingMigrations(migrations, applied)
		for _, m := range pending {
			log.Info().Msgf("  [PENDING] %04d_%s", m.Version, m.Name)
		}
		log.Info().Int("applied", len(applied)).Int("pending", len(pending)).Msg("Dry run complete")
		return nil
	}

	// Views in the migrations select from these tables.
	created, err := infraBQ.EnsureTablesWithClient(ctx, client, ds, cfg.Storage.BigQueryLocation)
	if err != nil {
		return fmt.Errorf("migrateBigQuery: %w", err)
	}
	for _, name := range created {
		log.Info().Str("table", name).Msg("Created table")
	}

	n, err := infraBQ.ApplyMigrationsWithClient(ctx, client, ds, migrations, opts.appliedBy, log)
	if err != nil {
		return fmt.Errorf("migrateBigQuery: %w", err)
	}
	if n == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", n).Msg("Successfully applied migrations")
	}
	return nil
}

func migratePostgres(cfg *config.Config, opts options, log zerolog.Logger) error {
	if opts.dryRun {
		log.Info().Msg("Dry run: would auto-migrate the statements and transactions tables")
		return nil
	}
	s, err := postgres.Open(cfg.Storage.PostgresDSN, false, log)
	if err != nil {
		return fmt.Errorf("migratePostgres: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(); err != nil {
		return fmt.Errorf("migratePostgres: %w", err)
	}
	log.Info().Msg("PostgreSQL schema is up to date")
	return nil
}

// migrateBolt creates the database file and its buckets.
func migrateBolt(cfg *config.Config, opts options, log zerolog.Logger) error {
	if opts.dryRun {
		log.Info().Str("path", cfg.Storage.BoltPath).Msg("Dry run: would create missing buckets")
		return nil
	}
	s, err := bolt.Open(cfg.Storage.BoltPath)
	if err != nil {
		return fmt.Errorf("migrateBolt: %w", err)
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("migrateBolt: %w", err)
	}
	log.Info().Str("path", cfg.Storage.BoltPath).Msg("BoltDB buckets are ready")
	return nil
}
