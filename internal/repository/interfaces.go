package repository

import (
	"context"
	"errors"

	"github.com/rpattn/parcelsync/internal/audit"
	"github.com/rpattn/parcelsync/internal/domain"

	"github.com/google/uuid"
)

// ErrParcelNotFound is returned when a parcel lookup matches no live row.
var ErrParcelNotFound = errors.New("parcel not found")

// ErrSourceNotFound is returned when a source lookup matches no row.
var ErrSourceNotFound = errors.New("source not found")

// SourceRepository defines the interface for source registry operations
type SourceRepository interface {
	Create(ctx context.Context, source domain.Source) (domain.Source, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Source, error)
	GetByName(ctx context.Context, name string) (domain.Source, error)
	List(ctx context.Context) ([]domain.Source, error)
	ListEnabled(ctx context.Context) ([]domain.Source, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// CursorRepository defines the interface for sync cursor operations.
// Watermarks are monotonic: Advance refuses to move a cursor backwards and
// records every advance in the append-only event log within the same
// transaction.
type CursorRepository interface {
	// Get returns the current watermark, zero when the source has never
	// synced.
	Get(ctx context.Context, sourceID uuid.UUID) (int64, error)
	Advance(ctx context.Context, sourceID uuid.UUID, to int64, runID uuid.UUID) error
	Events(ctx context.Context, sourceID uuid.UUID, limit int) ([]domain.CursorEvent, error)
}

// RawParcelRepository defines the interface for fetched payload storage
type RawParcelRepository interface {
	UpsertBatch(ctx context.Context, raws []domain.RawParcel) error
	// GetContentHashes returns content hashes for the given source record
	// ids, omitting records never seen before.
	GetContentHashes(ctx context.Context, sourceID uuid.UUID, recordIDs []string) (map[string]string, error)
	CountBySource(ctx context.Context, sourceID uuid.UUID) (int64, error)
}

// StagingRepository defines the interface for the run-scoped staging arena.
// Rows from different runs never mix; a failed run's rows stay in place for
// inspection until the run is retried or cleaned up.
type StagingRepository interface {
	InsertBatch(ctx context.Context, rows []domain.StagingRow) error
	// ListPage returns rows with line numbers above afterLine in ascending
	// order, at most limit of them.
	ListPage(ctx context.Context, runID uuid.UUID, afterLine int, limit int) ([]domain.StagingRow, error)
	Count(ctx context.Context, runID uuid.UUID) (int64, error)
	DeleteRun(ctx context.Context, runID uuid.UUID) error
}

// ParcelFilter narrows parcel listings.
type ParcelFilter struct {
	CountyNo *int
}

// ParcelRepository defines the interface for versioned parcel operations
type ParcelRepository interface {
	GetByParcelID(ctx context.Context, parcelID string) (*domain.Parcel, error)
	// UpsertVersioned applies one incoming parcel through the merge policy
	// and version bookkeeping in a single transaction, reporting what kind
	// of write happened.
	UpsertVersioned(ctx context.Context, incoming domain.Parcel, runID uuid.UUID) (audit.Change, error)
	// DeleteVersioned removes the live row after snapshotting its final
	// state into history.
	DeleteVersioned(ctx context.Context, parcelID string, runID uuid.UUID) error
	List(ctx context.Context, filter ParcelFilter, limit int, offset int) ([]domain.Parcel, error)
	Count(ctx context.Context, filter ParcelFilter) (int64, error)
	ListHistory(ctx context.Context, parcelID string) ([]domain.ParcelHistory, error)
}

// SyncRunRepository defines the interface for the run ledger
type SyncRunRepository interface {
	Begin(ctx context.Context, run domain.SyncRun) error
	// Finalize writes the run's terminal state. Only a run still in the
	// started state can be finalized; later calls are no-ops.
	Finalize(ctx context.Context, run domain.SyncRun) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.SyncRun, error)
	ListRecent(ctx context.Context, limit int) ([]domain.SyncRun, error)
}

// IngestLogRepository defines the interface for operational log entries
type IngestLogRepository interface {
	Record(ctx context.Context, entry domain.IngestLogEntry) error
	ListRecent(ctx context.Context, limit int) ([]domain.IngestLogEntry, error)
}
