package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpattn/parcelsync/internal/config"
	"github.com/rpattn/parcelsync/internal/db"
	"github.com/rpattn/parcelsync/internal/domain"
	"github.com/rpattn/parcelsync/internal/executor"
	"github.com/rpattn/parcelsync/internal/export"
	"github.com/rpattn/parcelsync/internal/ingestion"
	"github.com/rpattn/parcelsync/internal/pipeline"
	"github.com/rpattn/parcelsync/internal/repository"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "parcelsync",
	Short: "Incremental parcel sync and versioned ingestion",
	Long: `parcelsync keeps a Postgres parcel table in step with county ArcGIS
feature services and bulk roll files.

Incremental syncs page each source from its stored watermark, skip records
whose content hash is unchanged, and merge the rest through a single
versioned write path. Bulk imports stage CSV/XLSX rolls and merge them
through the same path, so every change lands in the parcel history ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "Directory containing config.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Println("Interrupted")
			os.Exit(1)
		}
		log.Fatalf("Error: %v", err)
	}
}

// app holds the shared wiring behind every command: config, pool, and the
// repositories.
type app struct {
	cfg     config.Config
	conn    *db.Connection
	sources repository.SourceRepository
	cursors repository.CursorRepository
	raws    repository.RawParcelRepository
	parcels repository.ParcelRepository
	staging repository.StagingRepository
	runs    repository.SyncRunRepository
	logs    repository.IngestLogRepository
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	conn, err := db.NewConnection(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.RunMigrations(cfg.DB); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &app{
		cfg:     cfg,
		conn:    conn,
		sources: repository.NewSourceRepository(conn.Pool),
		cursors: repository.NewCursorRepository(conn),
		raws:    repository.NewRawParcelRepository(conn.Pool),
		parcels: repository.NewParcelRepository(conn),
		staging: repository.NewStagingRepository(conn.Pool),
		runs:    repository.NewSyncRunRepository(conn.Pool),
		logs:    repository.NewIngestLogRepository(conn.Pool),
	}, nil
}

func (a *app) Close() {
	a.conn.Close()
}

func (a *app) newExecutor() *executor.Executor {
	policy := executor.DefaultPolicy()
	if a.cfg.Pipeline.MaxAttempts > 0 {
		policy.MaxAttempts = a.cfg.Pipeline.MaxAttempts
	}
	if a.cfg.Pipeline.RetryBaseDelay > 0 {
		policy.BaseDelay = a.cfg.Pipeline.RetryBaseDelay
	}
	if a.cfg.Pipeline.RetryMaxDelay > 0 {
		policy.MaxDelay = a.cfg.Pipeline.RetryMaxDelay
	}
	return executor.New(a.cfg.Pipeline.Workers, a.cfg.Pipeline.BatchSize, policy, a.cfg.Pipeline.InterBatchDelay)
}

func (a *app) syncService() *pipeline.Service {
	return pipeline.NewService(
		a.sources, a.cursors, a.raws, a.parcels, a.runs, a.logs,
		a.newExecutor(),
		pipeline.ArcGISFactory(60*time.Second),
		a.cfg.Pipeline,
	)
}

func (a *app) ingestService() *ingestion.Service {
	return ingestion.NewService(a.staging, a.parcels, a.runs, a.logs, a.newExecutor())
}

func (a *app) exportService() *export.Service {
	return export.NewService(a.parcels,
		export.WithExportDirectory(a.cfg.Export.Dir),
		export.WithPageSize(a.cfg.Pipeline.PageSize),
	)
}

func printRun(run domain.SyncRun) {
	completed := "-"
	if run.CompletedAt != nil {
		completed = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	line := fmt.Sprintf("%s %-11s %-9s seen=%-6d skipped=%-6d created=%-6d updated=%-6d unchanged=%-6d rejected=%-5d",
		run.ID, run.Kind, run.Status,
		run.RecordsSeen, run.RecordsSkipped, run.RecordsCreated,
		run.RecordsUpdated, run.RecordsUnchanged, run.RecordsRejected)
	if run.Kind == domain.RunKindIncremental {
		line += fmt.Sprintf(" watermark=%d->%d", run.WatermarkStart, run.WatermarkEnd)
	}
	if run.BatchesFailed > 0 {
		line += fmt.Sprintf(" batches_failed=%d/%d", run.BatchesFailed, run.BatchesTotal)
	}
	fmt.Println(line + "  started=" + run.StartedAt.UTC().Format(time.RFC3339) + " completed=" + completed)
	for _, sample := range run.ErrorSamples {
		fmt.Printf("    ! %s: %s\n", sample.Context, truncateSample(sample.Message))
	}
}

func truncateSample(message string) string {
	message = strings.ReplaceAll(message, "\n", " ")
	if len(message) > 200 {
		return message[:200] + "..."
	}
	return message
}
