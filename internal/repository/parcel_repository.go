package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/parcelsync/internal/audit"
	"github.com/rpattn/parcelsync/internal/db"
	"github.com/rpattn/parcelsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type parcelRepository struct {
	conn   *db.Connection
	policy domain.MergePolicy
}

// NewParcelRepository wires a repository backed by the shared connection.
// Every write runs through the merge policy and version bookkeeping inside
// one transaction, so concurrent writers serialize on the row lock.
func NewParcelRepository(conn *db.Connection) ParcelRepository {
	return &parcelRepository{conn: conn, policy: domain.ParcelMergePolicy}
}

// parcelColumns lists every column of the live table in the order the scan
// and write helpers below expect.
const parcelColumns = `id, parcel_id, co_no, county_fips, county_name,
	dor_uc, pa_uc,
	own_name, own_addr1, own_city, own_state, own_zipcd,
	phy_addr1, phy_addr2, phy_city, phy_zipcd,
	jv, av_sd, av_nsd, tv_sd, tv_nsd, lnd_val, spec_feat_val, sale_prc1,
	asmnt_yr, sale_yr1, sale_mo1, act_yr_blt, eff_yr_blt, no_buldng, no_res_unt,
	tot_lvg_ar, lnd_sqfoot,
	twn, rng, sec, or_book1, or_page1,
	version, created_at, updated_at`

const parcelPlaceholders = `$1, $2, $3, $4, $5,
	$6, $7,
	$8, $9, $10, $11, $12,
	$13, $14, $15, $16,
	$17, $18, $19, $20, $21, $22, $23, $24,
	$25, $26, $27, $28, $29, $30, $31,
	$32, $33,
	$34, $35, $36, $37, $38,
	$39, $40, $41`

func parcelWriteArgs(p domain.Parcel) []any {
	return []any{
		p.ID, p.ParcelID, p.CoNo, p.CountyFIPS, p.CountyName,
		p.DorUC, p.PaUC,
		p.OwnName, p.OwnAddr1, p.OwnCity, p.OwnState, p.OwnZipcd,
		p.PhyAddr1, p.PhyAddr2, p.PhyCity, p.PhyZipcd,
		p.JV, p.AvSD, p.AvNSD, p.TvSD, p.TvNSD, p.LndVal, p.SpecFeatVal, p.SalePrc1,
		p.AsmntYr, p.SaleYr1, p.SaleMo1, p.ActYrBlt, p.EffYrBlt, p.NoBuldng, p.NoResUnt,
		p.TotLvgAr, p.LndSqfoot,
		p.Twn, p.Rng, p.Sec, p.OrBook1, p.OrPage1,
		p.Version, p.CreatedAt, p.UpdatedAt,
	}
}

func scanParcel(row pgx.Row) (domain.Parcel, error) {
	var p domain.Parcel
	err := row.Scan(
		&p.ID, &p.ParcelID, &p.CoNo, &p.CountyFIPS, &p.CountyName,
		&p.DorUC, &p.PaUC,
		&p.OwnName, &p.OwnAddr1, &p.OwnCity, &p.OwnState, &p.OwnZipcd,
		&p.PhyAddr1, &p.PhyAddr2, &p.PhyCity, &p.PhyZipcd,
		&p.JV, &p.AvSD, &p.AvNSD, &p.TvSD, &p.TvNSD, &p.LndVal, &p.SpecFeatVal, &p.SalePrc1,
		&p.AsmntYr, &p.SaleYr1, &p.SaleMo1, &p.ActYrBlt, &p.EffYrBlt, &p.NoBuldng, &p.NoResUnt,
		&p.TotLvgAr, &p.LndSqfoot,
		&p.Twn, &p.Rng, &p.Sec, &p.OrBook1, &p.OrPage1,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Parcel{}, err
	}
	return p, nil
}

func (r *parcelRepository) GetByParcelID(ctx context.Context, parcelID string) (*domain.Parcel, error) {
	row := r.conn.Pool.QueryRow(
		ctx,
		`SELECT `+parcelColumns+` FROM florida_parcels WHERE parcel_id = $1`,
		parcelID,
	)
	parcel, err := scanParcel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParcelNotFound
		}
		return nil, fmt.Errorf("failed to get parcel: %w", err)
	}
	return &parcel, nil
}

// UpsertVersioned is the single write path for parcel state. A new parcel is
// inserted at version 1. An existing parcel is merged with the incoming
// record under the field policy; if nothing changed the write is skipped,
// otherwise the pre-write state is snapshotted into history and the live row
// advances one version. History's valid_to and the new row's updated_at share
// one timestamp, so consecutive versions tile without gaps.
func (r *parcelRepository) UpsertVersioned(ctx context.Context, incoming domain.Parcel, runID uuid.UUID) (audit.Change, error) {
	var change audit.Change

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		row := tx.QueryRow(
			ctx,
			`SELECT `+parcelColumns+` FROM florida_parcels WHERE parcel_id = $1 FOR UPDATE`,
			incoming.ParcelID,
		)
		current, err := scanParcel(row)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to lock parcel: %w", err)
			}

			inserted := incoming
			inserted.ID = uuid.New()
			inserted.Version = 1
			inserted.CreatedAt = now
			inserted.UpdatedAt = now
			if _, err := tx.Exec(
				ctx,
				`INSERT INTO florida_parcels (`+parcelColumns+`) VALUES (`+parcelPlaceholders+`)`,
				parcelWriteArgs(inserted)...,
			); err != nil {
				return fmt.Errorf("failed to insert parcel: %w", err)
			}
			change = audit.ChangeInsert
			return nil
		}

		merged := r.policy.Apply(current, incoming)
		change = audit.Decide(&current, merged)
		if change == audit.ChangeNone {
			return nil
		}

		history := audit.SnapshotForUpdate(current, runID, now)
		if err := insertParcelHistory(ctx, tx, history); err != nil {
			return err
		}

		merged.Version = current.Version + 1
		merged.UpdatedAt = now
		if _, err := tx.Exec(
			ctx,
			`UPDATE florida_parcels SET
				co_no = $2, county_fips = $3, county_name = $4,
				dor_uc = $5, pa_uc = $6,
				own_name = $7, own_addr1 = $8, own_city = $9, own_state = $10, own_zipcd = $11,
				phy_addr1 = $12, phy_addr2 = $13, phy_city = $14, phy_zipcd = $15,
				jv = $16, av_sd = $17, av_nsd = $18, tv_sd = $19, tv_nsd = $20,
				lnd_val = $21, spec_feat_val = $22, sale_prc1 = $23,
				asmnt_yr = $24, sale_yr1 = $25, sale_mo1 = $26, act_yr_blt = $27, eff_yr_blt = $28,
				no_buldng = $29, no_res_unt = $30,
				tot_lvg_ar = $31, lnd_sqfoot = $32,
				twn = $33, rng = $34, sec = $35, or_book1 = $36, or_page1 = $37,
				version = $38, updated_at = $39
			 WHERE parcel_id = $1`,
			merged.ParcelID,
			merged.CoNo, merged.CountyFIPS, merged.CountyName,
			merged.DorUC, merged.PaUC,
			merged.OwnName, merged.OwnAddr1, merged.OwnCity, merged.OwnState, merged.OwnZipcd,
			merged.PhyAddr1, merged.PhyAddr2, merged.PhyCity, merged.PhyZipcd,
			merged.JV, merged.AvSD, merged.AvNSD, merged.TvSD, merged.TvNSD,
			merged.LndVal, merged.SpecFeatVal, merged.SalePrc1,
			merged.AsmntYr, merged.SaleYr1, merged.SaleMo1, merged.ActYrBlt, merged.EffYrBlt,
			merged.NoBuldng, merged.NoResUnt,
			merged.TotLvgAr, merged.LndSqfoot,
			merged.Twn, merged.Rng, merged.Sec, merged.OrBook1, merged.OrPage1,
			merged.Version, merged.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to update parcel: %w", err)
		}
		return nil
	})
	if err != nil {
		return audit.ChangeNone, err
	}
	return change, nil
}

// DeleteVersioned snapshots the live row's final state into history before
// removing it, so the full version trail survives the delete.
func (r *parcelRepository) DeleteVersioned(ctx context.Context, parcelID string, runID uuid.UUID) error {
	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		row := tx.QueryRow(
			ctx,
			`SELECT `+parcelColumns+` FROM florida_parcels WHERE parcel_id = $1 FOR UPDATE`,
			parcelID,
		)
		current, err := scanParcel(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrParcelNotFound
			}
			return fmt.Errorf("failed to lock parcel: %w", err)
		}

		history := audit.SnapshotForDelete(current, runID, now)
		if err := insertParcelHistory(ctx, tx, history); err != nil {
			return err
		}

		if _, err := tx.Exec(
			ctx,
			`DELETE FROM florida_parcels WHERE parcel_id = $1`,
			parcelID,
		); err != nil {
			return fmt.Errorf("failed to delete parcel: %w", err)
		}
		return nil
	})
}

func insertParcelHistory(ctx context.Context, tx pgx.Tx, history domain.ParcelHistory) error {
	snapshot, err := json.Marshal(history.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode history snapshot: %w", err)
	}
	if _, err := tx.Exec(
		ctx,
		`INSERT INTO florida_parcels_history (id, parcel_id, version, change_type, snapshot, valid_from, valid_to, run_id, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		history.ID,
		history.ParcelID,
		history.Version,
		history.ChangeType,
		snapshot,
		history.ValidFrom,
		history.ValidTo,
		history.RunID,
		history.ChangedAt,
	); err != nil {
		return fmt.Errorf("failed to insert parcel history: %w", err)
	}
	return nil
}

func (r *parcelRepository) List(ctx context.Context, filter ParcelFilter, limit int, offset int) ([]domain.Parcel, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + parcelColumns + ` FROM florida_parcels`
	args := []any{}
	if filter.CountyNo != nil {
		query += ` WHERE co_no = $1`
		args = append(args, *filter.CountyNo)
	}
	query += fmt.Sprintf(` ORDER BY parcel_id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list parcels: %w", err)
	}
	defer rows.Close()

	parcels := []domain.Parcel{}
	for rows.Next() {
		parcel, scanErr := scanParcel(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan parcel: %w", scanErr)
		}
		parcels = append(parcels, parcel)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate parcels: %w", rowsErr)
	}
	return parcels, nil
}

func (r *parcelRepository) Count(ctx context.Context, filter ParcelFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM florida_parcels`
	args := []any{}
	if filter.CountyNo != nil {
		query += ` WHERE co_no = $1`
		args = append(args, *filter.CountyNo)
	}

	var count int64
	if err := r.conn.Pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count parcels: %w", err)
	}
	return count, nil
}

func (r *parcelRepository) ListHistory(ctx context.Context, parcelID string) ([]domain.ParcelHistory, error) {
	rows, err := r.conn.Pool.Query(
		ctx,
		`SELECT id, parcel_id, version, change_type, snapshot, valid_from, valid_to, run_id, changed_at
		 FROM florida_parcels_history
		 WHERE parcel_id = $1
		 ORDER BY changed_at, version`,
		parcelID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list parcel history: %w", err)
	}
	defer rows.Close()

	entries := []domain.ParcelHistory{}
	for rows.Next() {
		var entry domain.ParcelHistory
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.ParcelID,
			&entry.Version,
			&entry.ChangeType,
			&entry.Snapshot,
			&entry.ValidFrom,
			&entry.ValidTo,
			&entry.RunID,
			&entry.ChangedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan parcel history: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate parcel history: %w", rowsErr)
	}
	return entries, nil
}
