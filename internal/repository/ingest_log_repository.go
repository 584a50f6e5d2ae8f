package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rpattn/parcelsync/internal/domain"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ingestLogRepository struct {
	pool *pgxpool.Pool
}

// NewIngestLogRepository wires a repository backed by pgxpool.
func NewIngestLogRepository(pool *pgxpool.Pool) IngestLogRepository {
	return &ingestLogRepository{pool: pool}
}

func (r *ingestLogRepository) Record(ctx context.Context, entry domain.IngestLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("ingest log repository not initialized")
	}

	var metadata []byte
	if entry.Metadata != nil {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode log metadata: %w", err)
		}
		metadata = encoded
	}

	if _, err := r.pool.Exec(
		ctx,
		`INSERT INTO ingest_logs (id, run_id, level, source, message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		entry.RunID,
		entry.Level,
		entry.Source,
		entry.Message,
		metadata,
	); err != nil {
		return fmt.Errorf("failed to record ingest log: %w", err)
	}
	return nil
}

func (r *ingestLogRepository) ListRecent(ctx context.Context, limit int) ([]domain.IngestLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("ingest log repository not initialized")
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, run_id, level, source, message, metadata, created_at
		 FROM ingest_logs
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingest logs: %w", err)
	}
	defer rows.Close()

	entries := []domain.IngestLogEntry{}
	for rows.Next() {
		var (
			entry     domain.IngestLogEntry
			metadata  []byte
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.RunID,
			&entry.Level,
			&entry.Source,
			&entry.Message,
			&metadata,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingest log: %w", scanErr)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode log metadata: %w", err)
			}
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingest logs: %w", rowsErr)
	}
	return entries, nil
}
