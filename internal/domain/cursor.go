package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceCursor tracks the highest upstream object id durably ingested for a source.
// The watermark only ever moves forward; 0 means the source has never been synced.
type SourceCursor struct {
	SourceID   uuid.UUID  `json:"source_id"`
	Watermark  int64      `json:"watermark"`
	AdvancedAt *time.Time `json:"advanced_at,omitempty"`
}

// CursorEvent is one entry in the append-only watermark log. Events are never
// updated or deleted; the current cursor row must always equal the latest event.
type CursorEvent struct {
	ID         int64     `json:"id"`
	SourceID   uuid.UUID `json:"source_id"`
	Watermark  int64     `json:"watermark"`
	RunID      uuid.UUID `json:"run_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RegressionError reports an attempt to move a source watermark backwards.
type RegressionError struct {
	SourceID  uuid.UUID
	Current   int64
	Attempted int64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("watermark regression for source %s: current=%d attempted=%d", e.SourceID, e.Current, e.Attempted)
}
