// Package audit is the single write-path authority for versioned parcel
// mutations. Every change to florida_parcels flows through a Decide call and,
// for updates and deletes, a snapshot of the pre-write state. Nothing here
// touches the database; the parcel repository executes the decisions inside
// one transaction so the engine stays testable on plain values.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/parcelsync/internal/domain"
)

// Change is the write-path decision for one incoming record.
type Change int

const (
	// ChangeNone means the merged candidate is content-identical to the
	// stored row; no write happens and no version is consumed.
	ChangeNone Change = iota
	// ChangeInsert creates the row at version 1 with no history.
	ChangeInsert
	// ChangeUpdate snapshots the pre-write state and bumps the version by 1.
	ChangeUpdate
	// ChangeDelete snapshots the final state and removes the row.
	ChangeDelete
)

func (c Change) String() string {
	switch c {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "none"
	}
}

// Decide compares the stored row (nil when absent) with the merged candidate
// and returns the write decision. The candidate must already have the merge
// policy applied; Decide only answers "did the business content change".
func Decide(current *domain.Parcel, merged domain.Parcel) Change {
	if current == nil {
		return ChangeInsert
	}
	if domain.EqualBusiness(*current, merged) {
		return ChangeNone
	}
	return ChangeUpdate
}

// SnapshotForUpdate captures the pre-write state for a version bump. ValidFrom
// is when the old version became current (its updated_at), ValidTo is the
// write instant; the caller must stamp the same instant onto the new row's
// updated_at so consecutive snapshots tile without gaps.
func SnapshotForUpdate(old domain.Parcel, runID uuid.UUID, now time.Time) domain.ParcelHistory {
	return snapshot(old, domain.ChangeTypeUpdate, runID, now)
}

// SnapshotForDelete captures the final state of a removed parcel.
func SnapshotForDelete(old domain.Parcel, runID uuid.UUID, now time.Time) domain.ParcelHistory {
	return snapshot(old, domain.ChangeTypeDelete, runID, now)
}

func snapshot(old domain.Parcel, changeType string, runID uuid.UUID, now time.Time) domain.ParcelHistory {
	return domain.ParcelHistory{
		ID:         uuid.New(),
		ParcelID:   old.ParcelID,
		Version:    old.Version,
		ChangeType: changeType,
		Snapshot:   old.BusinessFields(),
		ValidFrom:  old.UpdatedAt,
		ValidTo:    now,
		RunID:      runID,
		ChangedAt:  now,
	}
}
