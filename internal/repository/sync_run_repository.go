package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/parcelsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type syncRunRepository struct {
	pool *pgxpool.Pool
}

// NewSyncRunRepository wires a repository backed by pgxpool.
func NewSyncRunRepository(pool *pgxpool.Pool) SyncRunRepository {
	return &syncRunRepository{pool: pool}
}

const syncRunColumns = `id, source_id, kind, file_name, status,
	records_seen, records_skipped, records_created, records_updated, records_unchanged, records_rejected,
	batches_total, batches_failed, watermark_start, watermark_end,
	error_samples, started_at, completed_at`

func (r *syncRunRepository) Begin(ctx context.Context, run domain.SyncRun) error {
	samples, err := json.Marshal(run.ErrorSamples)
	if err != nil {
		return fmt.Errorf("failed to encode error samples: %w", err)
	}

	if _, err := r.pool.Exec(
		ctx,
		`INSERT INTO sync_runs (`+syncRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		run.ID,
		run.SourceID,
		run.Kind,
		run.FileName,
		run.Status,
		run.RecordsSeen,
		run.RecordsSkipped,
		run.RecordsCreated,
		run.RecordsUpdated,
		run.RecordsUnchanged,
		run.RecordsRejected,
		run.BatchesTotal,
		run.BatchesFailed,
		run.WatermarkStart,
		run.WatermarkEnd,
		samples,
		run.StartedAt,
		run.CompletedAt,
	); err != nil {
		return fmt.Errorf("failed to begin sync run: %w", err)
	}
	return nil
}

// Finalize records the run's terminal state. The status guard makes the
// write idempotent: once a run has left the started state, later calls
// change nothing.
func (r *syncRunRepository) Finalize(ctx context.Context, run domain.SyncRun) error {
	samples, err := json.Marshal(run.ErrorSamples)
	if err != nil {
		return fmt.Errorf("failed to encode error samples: %w", err)
	}

	if _, err := r.pool.Exec(
		ctx,
		`UPDATE sync_runs SET
			status = $2,
			records_seen = $3,
			records_skipped = $4,
			records_created = $5,
			records_updated = $6,
			records_unchanged = $7,
			records_rejected = $8,
			batches_total = $9,
			batches_failed = $10,
			watermark_start = $11,
			watermark_end = $12,
			error_samples = $13,
			completed_at = $14
		 WHERE id = $1 AND status = $15`,
		run.ID,
		run.Status,
		run.RecordsSeen,
		run.RecordsSkipped,
		run.RecordsCreated,
		run.RecordsUpdated,
		run.RecordsUnchanged,
		run.RecordsRejected,
		run.BatchesTotal,
		run.BatchesFailed,
		run.WatermarkStart,
		run.WatermarkEnd,
		samples,
		run.CompletedAt,
		domain.RunStatusStarted,
	); err != nil {
		return fmt.Errorf("failed to finalize sync run: %w", err)
	}
	return nil
}

func (r *syncRunRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.SyncRun, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs WHERE id = $1`,
		id,
	)
	run, err := scanSyncRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncRun{}, fmt.Errorf("sync run %s not found", id)
		}
		return domain.SyncRun{}, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

func (r *syncRunRepository) ListRecent(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.SyncRun{}
	for rows.Next() {
		run, scanErr := scanSyncRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate sync runs: %w", rowsErr)
	}
	return runs, nil
}

func scanSyncRun(row pgx.Row) (domain.SyncRun, error) {
	var (
		run     domain.SyncRun
		samples []byte
	)
	err := row.Scan(
		&run.ID,
		&run.SourceID,
		&run.Kind,
		&run.FileName,
		&run.Status,
		&run.RecordsSeen,
		&run.RecordsSkipped,
		&run.RecordsCreated,
		&run.RecordsUpdated,
		&run.RecordsUnchanged,
		&run.RecordsRejected,
		&run.BatchesTotal,
		&run.BatchesFailed,
		&run.WatermarkStart,
		&run.WatermarkEnd,
		&samples,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return domain.SyncRun{}, err
	}
	if len(samples) > 0 {
		if err := json.Unmarshal(samples, &run.ErrorSamples); err != nil {
			return domain.SyncRun{}, fmt.Errorf("failed to decode error samples: %w", err)
		}
	}
	return run, nil
}
