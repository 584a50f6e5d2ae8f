package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/parcelsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type sourceRepository struct {
	pool *pgxpool.Pool
}

// NewSourceRepository wires a repository backed by pgxpool.
func NewSourceRepository(pool *pgxpool.Pool) SourceRepository {
	return &sourceRepository{pool: pool}
}

const sourceColumns = `id, name, kind, service_url, layer_id, county_no, page_size, enabled, created_at, updated_at`

func (r *sourceRepository) Create(ctx context.Context, source domain.Source) (domain.Source, error) {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO sources (id, name, kind, service_url, layer_id, county_no, page_size, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		source.ID,
		source.Name,
		source.Kind,
		source.ServiceURL,
		source.LayerID,
		source.CountyNo,
		source.PageSize,
		source.Enabled,
		source.CreatedAt,
		source.UpdatedAt,
	)
	if err != nil {
		return domain.Source{}, fmt.Errorf("failed to create source: %w", err)
	}
	return source, nil
}

func (r *sourceRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Source, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`,
		id,
	)
	return scanSource(row)
}

func (r *sourceRepository) GetByName(ctx context.Context, name string) (domain.Source, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE name = $1`,
		name,
	)
	return scanSource(row)
}

func (r *sourceRepository) List(ctx context.Context) ([]domain.Source, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY name`)
}

func (r *sourceRepository) ListEnabled(ctx context.Context) ([]domain.Source, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM sources WHERE enabled ORDER BY name`)
}

func (r *sourceRepository) list(ctx context.Context, query string) ([]domain.Source, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	sources := []domain.Source{}
	for rows.Next() {
		source, scanErr := scanSource(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sources = append(sources, source)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate sources: %w", rowsErr)
	}
	return sources, nil
}

func (r *sourceRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE sources SET enabled = $2, updated_at = now() WHERE id = $1`,
		id,
		enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSourceNotFound
	}
	return nil
}

func scanSource(row pgx.Row) (domain.Source, error) {
	var source domain.Source
	err := row.Scan(
		&source.ID,
		&source.Name,
		&source.Kind,
		&source.ServiceURL,
		&source.LayerID,
		&source.CountyNo,
		&source.PageSize,
		&source.Enabled,
		&source.CreatedAt,
		&source.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Source{}, ErrSourceNotFound
		}
		return domain.Source{}, fmt.Errorf("failed to scan source: %w", err)
	}
	return source, nil
}
