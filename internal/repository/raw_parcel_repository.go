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

// rawInsertChunk bounds how many statements go into one batch round trip.
const rawInsertChunk = 500

type rawParcelRepository struct {
	pool *pgxpool.Pool
}

// NewRawParcelRepository wires a repository backed by pgxpool.
func NewRawParcelRepository(pool *pgxpool.Pool) RawParcelRepository {
	return &rawParcelRepository{pool: pool}
}

// UpsertBatch stores the latest payload per source record. A record fetched
// again replaces its previous payload; only the newest version of the raw
// data is kept.
func (r *rawParcelRepository) UpsertBatch(ctx context.Context, raws []domain.RawParcel) error {
	if len(raws) == 0 {
		return nil
	}

	for start := 0; start < len(raws); start += rawInsertChunk {
		end := start + rawInsertChunk
		if end > len(raws) {
			end = len(raws)
		}

		batch := &pgx.Batch{}
		for _, raw := range raws[start:end] {
			payload, err := json.Marshal(raw.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode payload for record %s: %w", raw.SourceRecordID, err)
			}
			batch.Queue(
				`INSERT INTO raw_parcels (id, source_id, object_id, source_record_id, payload, content_hash, run_id, fetched_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (source_id, source_record_id) DO UPDATE SET
					object_id = EXCLUDED.object_id,
					payload = EXCLUDED.payload,
					content_hash = EXCLUDED.content_hash,
					run_id = EXCLUDED.run_id,
					fetched_at = EXCLUDED.fetched_at`,
				raw.ID,
				raw.SourceID,
				raw.ObjectID,
				raw.SourceRecordID,
				payload,
				raw.ContentHash,
				raw.RunID,
				raw.FetchedAt,
			)
		}

		results := r.pool.SendBatch(ctx, batch)
		for range raws[start:end] {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to upsert raw parcels: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to close raw parcel batch: %w", err)
		}
	}
	return nil
}

func (r *rawParcelRepository) GetContentHashes(ctx context.Context, sourceID uuid.UUID, recordIDs []string) (map[string]string, error) {
	hashes := make(map[string]string, len(recordIDs))
	if len(recordIDs) == 0 {
		return hashes, nil
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT source_record_id, content_hash
		 FROM raw_parcels
		 WHERE source_id = $1 AND source_record_id = ANY($2)`,
		sourceID,
		recordIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get content hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var recordID, hash string
		if scanErr := rows.Scan(&recordID, &hash); scanErr != nil {
			return nil, fmt.Errorf("failed to scan content hash: %w", scanErr)
		}
		hashes[recordID] = hash
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate content hashes: %w", rowsErr)
	}
	return hashes, nil
}

func (r *rawParcelRepository) CountBySource(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM raw_parcels WHERE source_id = $1`,
		sourceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count raw parcels: %w", err)
	}
	return count, nil
}
