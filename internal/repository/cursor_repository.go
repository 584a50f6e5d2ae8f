package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/parcelsync/internal/db"
	"github.com/rpattn/parcelsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type cursorRepository struct {
	conn *db.Connection
}

// NewCursorRepository wires a repository backed by the shared connection.
// It needs the connection rather than the bare pool because Advance runs a
// locked read-check-write transaction.
func NewCursorRepository(conn *db.Connection) CursorRepository {
	return &cursorRepository{conn: conn}
}

func (r *cursorRepository) Get(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	var watermark int64
	err := r.conn.Pool.QueryRow(
		ctx,
		`SELECT watermark FROM source_cursors WHERE source_id = $1`,
		sourceID,
	).Scan(&watermark)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
	return watermark, nil
}

// Advance moves the watermark forward under a row lock. Equal watermarks are
// accepted as no-ops so an idempotent re-run that lands on the same position
// does not fail; anything lower returns a RegressionError. The cursor event
// is appended in the same transaction, so the log and the cursor cannot
// disagree.
func (r *cursorRepository) Advance(ctx context.Context, sourceID uuid.UUID, to int64, runID uuid.UUID) error {
	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(
			ctx,
			`SELECT watermark FROM source_cursors WHERE source_id = $1 FOR UPDATE`,
			sourceID,
		).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if _, err := tx.Exec(
				ctx,
				`INSERT INTO source_cursors (source_id, watermark, advanced_at) VALUES ($1, $2, now())`,
				sourceID,
				to,
			); err != nil {
				return fmt.Errorf("failed to initialize cursor: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to lock cursor: %w", err)
		case to < current:
			return &domain.RegressionError{SourceID: sourceID, Current: current, Attempted: to}
		case to == current:
			return nil
		default:
			if _, err := tx.Exec(
				ctx,
				`UPDATE source_cursors SET watermark = $2, advanced_at = now() WHERE source_id = $1`,
				sourceID,
				to,
			); err != nil {
				return fmt.Errorf("failed to advance cursor: %w", err)
			}
		}

		if _, err := tx.Exec(
			ctx,
			`INSERT INTO source_cursor_events (source_id, watermark, run_id) VALUES ($1, $2, $3)`,
			sourceID,
			to,
			runID,
		); err != nil {
			return fmt.Errorf("failed to append cursor event: %w", err)
		}
		return nil
	})
}

func (r *cursorRepository) Events(ctx context.Context, sourceID uuid.UUID, limit int) ([]domain.CursorEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.conn.Pool.Query(
		ctx,
		`SELECT id, source_id, watermark, run_id, recorded_at
		 FROM source_cursor_events
		 WHERE source_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		sourceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursor events: %w", err)
	}
	defer rows.Close()

	events := []domain.CursorEvent{}
	for rows.Next() {
		var (
			event      domain.CursorEvent
			recordedAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&event.ID,
			&event.SourceID,
			&event.Watermark,
			&event.RunID,
			&recordedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan cursor event: %w", scanErr)
		}
		if recordedAt.Valid {
			event.RecordedAt = recordedAt.Time
		}
		events = append(events, event)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate cursor events: %w", rowsErr)
	}
	return events, nil
}
