package domain

import (
	"time"

	"github.com/google/uuid"
)

// Change types recorded in florida_parcels_history.
const (
	ChangeTypeUpdate = "update"
	ChangeTypeDelete = "delete"
)

// ParcelHistory captures the pre-write state of a parcel version. Snapshots
// for one parcel tile its lifetime without gaps: ValidFrom of each row equals
// ValidTo of the previous one, and the newest row's ValidTo equals the
// current row's updated_at.
type ParcelHistory struct {
	ID         uuid.UUID
	ParcelID   string
	Version    int64
	ChangeType string
	Snapshot   map[string]any
	ValidFrom  time.Time
	ValidTo    time.Time
	RunID      uuid.UUID
	ChangedAt  time.Time
}
