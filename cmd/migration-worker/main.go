package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/migrator/internal/config"
	"github.com/ehr/migrator/internal/domain/migration"
	"github.com/ehr/migrator/internal/platform/db"
	"github.com/ehr/migrator/internal/platform/status"
	"github.com/ehr/migrator/internal/platform/telemetry"
	"github.com/ehr/migrator/internal/worker"
	"github.com/ehr/migrator/migrations"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("migration worker failed")
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "migration-worker",
		Short:         "Migrate legacy clinical images and PDFs into the visit hierarchy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(schemaCmd())
	return root
}

// newLogger builds the process logger: JSON on stdout, console output in
// development, level from LOG_LEVEL.
func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the migration worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			err = runWorker(cmd.Context(), cfg, logger)
			if cmd.Context().Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
				logger.Info().Msg("interrupted, worker shut down")
				return nil
			}
			return err
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	wcfg, err := worker.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewMigrationMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if err := applyMigrations(ctx, cfg, logger); err != nil {
		return err
	}

	var srv *status.Server
	if cfg.StatusAddr != "" {
		pool, err := openStatusPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open status pool: %w", err)
		}
		defer pool.Close()

		srv = status.NewServer(
			func(ctx context.Context) *db.HealthReport { return db.CheckHealth(ctx, pool) },
			migration.NewRepo(pool),
			registry,
			logger,
		)
	}

	dial := worker.DialPG(cfg.DatabaseURL, cfg.DBSchema, logger)
	store, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", worker.ErrConnectivity, err)
	}
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	engine := worker.New(wcfg, store, dial, metrics, logger)
	defer func() {
		if err := engine.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Debug().Err(err).Msg("closing worker connection")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	if srv != nil {
		g.Go(func() error { return srv.Serve(gctx, cfg.StatusAddr) })
	}

	return g.Wait()
}

// applyMigrations makes sure the ledger table exists before the first batch.
func applyMigrations(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	n, err := db.NewMigrator(pool, migrations.FS).Up(ctx, cfg.DBSchema)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if n > 0 {
		logger.Info().Int("applied", n).Msg("ledger migrations applied")
	}
	return nil
}

// openStatusPool opens the pool behind the status server.
var openStatusPool = openPool

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, 2, 0)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print migration progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			st, err := migration.NewRepo(pool).Stats(ctx)
			if err != nil {
				return fmt.Errorf("read progress: %w", err)
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compare one patient's source rows with the migrated hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetInt64("patient")
			if patient <= 0 {
				return fmt.Errorf("--patient is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			report, err := migration.Validate(ctx, migration.NewRepo(pool), patient)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().Int64("patient", 0, "Patient ID (intclienteid)")
	return cmd
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the worker's own tables",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending ledger migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	return cfg.DBSchema
}
