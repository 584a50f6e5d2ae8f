package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rpattn/parcelsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const stagingInsertChunk = 500

type stagingRepository struct {
	pool *pgxpool.Pool
}

// NewStagingRepository wires a repository backed by pgxpool.
func NewStagingRepository(pool *pgxpool.Pool) StagingRepository {
	return &stagingRepository{pool: pool}
}

func (r *stagingRepository) InsertBatch(ctx context.Context, rows []domain.StagingRow) error {
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += stagingInsertChunk {
		end := start + stagingInsertChunk
		if end > len(rows) {
			end = len(rows)
		}

		batch := &pgx.Batch{}
		for _, row := range rows[start:end] {
			fields, err := json.Marshal(row.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode staging row %d: %w", row.LineNo, err)
			}
			batch.Queue(
				`INSERT INTO parcel_staging (run_id, line_no, fields)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (run_id, line_no) DO UPDATE SET fields = EXCLUDED.fields`,
				row.RunID,
				row.LineNo,
				fields,
			)
		}

		results := r.pool.SendBatch(ctx, batch)
		for range rows[start:end] {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to insert staging rows: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to close staging batch: %w", err)
		}
	}
	return nil
}

func (r *stagingRepository) ListPage(ctx context.Context, runID uuid.UUID, afterLine int, limit int) ([]domain.StagingRow, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT run_id, line_no, fields
		 FROM parcel_staging
		 WHERE run_id = $1 AND line_no > $2
		 ORDER BY line_no
		 LIMIT $3`,
		runID,
		afterLine,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging rows: %w", err)
	}
	defer rows.Close()

	staged := []domain.StagingRow{}
	for rows.Next() {
		var row domain.StagingRow
		if scanErr := rows.Scan(&row.RunID, &row.LineNo, &row.Fields); scanErr != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", scanErr)
		}
		staged = append(staged, row)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate staging rows: %w", rowsErr)
	}
	return staged, nil
}

func (r *stagingRepository) Count(ctx context.Context, runID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM parcel_staging WHERE run_id = $1`,
		runID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count staging rows: %w", err)
	}
	return count, nil
}

func (r *stagingRepository) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	if _, err := r.pool.Exec(
		ctx,
		`DELETE FROM parcel_staging WHERE run_id = $1`,
		runID,
	); err != nil {
		return fmt.Errorf("failed to delete staging rows: %w", err)
	}
	return nil
}
