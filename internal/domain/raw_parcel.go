package domain

import (
	"time"

	"github.com/google/uuid"
)

// RawParcel is the immutable-as-fetched payload for one upstream record.
// Only the latest payload per (source, record) is retained; the content hash
// is the novelty anchor for dedup and the parcel history table is the audit.
type RawParcel struct {
	ID             uuid.UUID      `json:"id"`
	SourceID       uuid.UUID      `json:"source_id"`
	ObjectID       int64          `json:"object_id"`
	SourceRecordID string         `json:"source_record_id"`
	Payload        map[string]any `json:"payload"`
	ContentHash    string         `json:"content_hash"`
	RunID          uuid.UUID      `json:"run_id"`
	FetchedAt      time.Time      `json:"fetched_at"`
}

// NewRawParcel builds a raw record for persistence. The content hash is
// computed by the dedup layer so the same canonicalization is used for
// novelty checks and storage.
func NewRawParcel(sourceID uuid.UUID, objectID int64, sourceRecordID string, payload map[string]any, contentHash string, runID uuid.UUID) RawParcel {
	return RawParcel{
		ID:             uuid.New(),
		SourceID:       sourceID,
		ObjectID:       objectID,
		SourceRecordID: sourceRecordID,
		Payload:        payload,
		ContentHash:    contentHash,
		RunID:          runID,
		FetchedAt:      time.Now(),
	}
}
