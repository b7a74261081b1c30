package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/harborline/catalog-sync/internal/app/sync"
	"github.com/harborline/catalog-sync/internal/config"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
	"github.com/harborline/catalog-sync/internal/infra/notify/webhook"
	"github.com/harborline/catalog-sync/internal/infra/source/magento"
	memStore "github.com/harborline/catalog-sync/internal/infra/storage/manifest/memory"
	pgStore "github.com/harborline/catalog-sync/internal/infra/storage/manifest/postgres"
	"github.com/harborline/catalog-sync/internal/infra/target/tidio"
	"github.com/harborline/catalog-sync/internal/scheduler"
	"github.com/harborline/catalog-sync/pkg/common/logger"
	"github.com/harborline/catalog-sync/pkg/common/otel"
)

const serviceType = "catalog-sync"

func main() {
	_, _ = maxprocs.Set()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Batch product synchronization engine",
		Long: `Reconciles the commerce backend's product catalog with the messaging
platform's copy: assembles records from the raw product, category, price and
attribute collections and delivers them in rate-limited batches, writing a
resumable checkpoint after every batch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")

	cmd.AddCommand(
		newRunCommand(&configPath),
		newResumeCommand(&configPath),
		newScheduleCommand(&configPath),
		newInspectCommand(&configPath),
	)

	return cmd
}

func newRunCommand(configPath *string) *cobra.Command {
	var (
		full   bool
		resume string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one sync run and exit",
		Long: `Executes a single sync run. The default mode is incremental (products
modified within the configured lookback window); --full covers the entire
catalog and --resume continues a previously failed run from its manifest.
Exits non-zero when the run finishes with failed batches.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if full && resume != "" {
				return errors.New("--full and --resume are mutually exclusive")
			}

			trigger := sync.IncrementalTrigger()
			switch {
			case resume != "":
				handle, err := uuid.Parse(resume)
				if err != nil {
					return fmt.Errorf("invalid resume handle %q: %w", resume, err)
				}
				trigger = sync.ResumeTrigger(handle)
			case full:
				trigger = sync.FullTrigger()
			}

			return executeRun(cmd.Context(), *configPath, trigger)
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "sync the entire catalog instead of recent changes")
	cmd.Flags().StringVar(&resume, "resume", "", "manifest handle of a failed run to continue")

	return cmd
}

// newResumeCommand is the form the failure notification's resume_command
// field names; it is shorthand for run --resume.
func newResumeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <handle>",
		Short: "Continue a failed sync run from its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid resume handle %q: %w", args[0], err)
			}
			return executeRun(cmd.Context(), *configPath, sync.ResumeTrigger(handle))
		},
	}
}

func newScheduleCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the sync calendar in-process until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.close()

			sched := scheduler.New(app.orchestrator, app.log)
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func executeRun(parent context.Context, configPath string, trigger sync.Trigger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.close()

	result, err := app.orchestrator.Run(ctx, trigger)
	if err != nil {
		return err
	}

	app.log.Info(ctx, "run finished",
		"status", result.Status,
		"mode", result.SyncType,
		"products_synced", result.ProductsSynced,
		"failed_batches", len(result.FailedBatches))

	if result.Status == catalog.ResultStatusFailure {
		if result.ResumeHandle != nil {
			return fmt.Errorf("run finished with %d failed batches; resume with: sync resume %s",
				len(result.FailedBatches), result.ResumeHandle)
		}
		return errors.New("run failed")
	}
	return nil
}

// app bundles the wired collaborators a command needs. close releases the
// database pool and flushes telemetry.
type app struct {
	cfg          *config.Config
	log          *logger.Logger
	tracer       trace.Tracer
	store        catalog.ManifestStore
	source       *magento.Client
	assembler    *sync.Assembler
	orchestrator *sync.Orchestrator

	teardowns []func()
}

func (a *app) close() {
	for i := len(a.teardowns) - 1; i >= 0; i-- {
		a.teardowns[i]()
	}
}

func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := newLogger()

	a := &app{cfg: cfg, log: log}

	a.tracer = noop.NewTracerProvider().Tracer(serviceType)
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		prob := 1.0
		if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
			prob, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid OTEL_SAMPLING_RATIO %q: %w", raw, err)
			}
		}

		tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: endpoint,
			Probability:      prob,
			ResourceAttributes: map[string]string{
				"library.language": "go",
			},
		})
		if err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
		a.tracer = tp.Tracer(serviceType)
		a.teardowns = append(a.teardowns, func() { telemetryTeardown(context.Background()) })
	}

	store, storeTeardown, err := openManifestStore(ctx, log, a.tracer)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	a.teardowns = append(a.teardowns, storeTeardown)

	metrics, err := sync.NewSyncMetrics(otel.GetMeterProvider())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	httpClient := new(http.Client)

	a.source = magento.NewClient(httpClient, cfg.Source, cfg.Sync, a.tracer)
	target := tidio.NewClient(httpClient, cfg.Target, cfg.Sync.CallTimeout, a.tracer)
	notifier := webhook.NewNotifier(httpClient, cfg.Webhook, cfg.Sync.CallTimeout, log)
	a.assembler = sync.NewAssembler(cfg.Source, cfg.Sync)

	a.orchestrator = sync.NewOrchestrator(cfg.Sync,
		a.source, target, a.store, notifier, a.assembler, log, metrics, a.tracer)

	return a, nil
}

func newLogger() *logger.Logger {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	minLevel := logger.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		minLevel = logger.LevelDebug
	}

	metadata := map[string]string{
		"service":  serviceType,
		"hostname": hostname,
	}

	return logger.NewWithMetadata(os.Stdout, minLevel, serviceType, traceIDFn, logEvents, metadata)
}

// openManifestStore wires the postgres-backed checkpoint store when
// DATABASE_URL is set, applying pending migrations first. Without a database
// the engine still runs, but checkpoints only live for the process lifetime,
// so a failed run cannot be resumed after a restart.
func openManifestStore(ctx context.Context, log *logger.Logger, tracer trace.Tracer) (catalog.ManifestStore, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Warn(ctx, "DATABASE_URL not set; using in-memory manifest store, checkpoints will not survive restarts")
		return memStore.NewManifestStore(), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database pool: %w", err)
	}

	if err := runMigrations(pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	return pgStore.NewManifestStore(pool, tracer), pool.Close, nil
}

// runMigrations uses golang-migrate to apply all up migrations from
// db/migrations (overridable via MIGRATIONS_PATH for containerized deploys).
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
