// Package dedup decides record novelty by content hash so unchanged upstream
// records never reach the write path.
package dedup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/parcelsync/internal/domain"
	"github.com/rpattn/parcelsync/internal/repository"
)

// Candidate is one fetched record awaiting a novelty decision.
type Candidate struct {
	ObjectID       int64
	SourceRecordID string
	Payload        map[string]any
}

// Deduplicator filters fetched pages down to records whose content differs
// from what the raw store already holds.
type Deduplicator struct {
	raws repository.RawParcelRepository
}

// NewDeduplicator wires a deduplicator over the raw parcel store.
func NewDeduplicator(raws repository.RawParcelRepository) *Deduplicator {
	return &Deduplicator{raws: raws}
}

// FilterNovel hashes each candidate and compares it against the stored hash
// for the same (source, record) pair, using one lookup for the whole page.
// A record with no stored hash is always novel; an unchanged hash is skipped.
// Novel candidates come back as raw parcels ready for persistence, in input
// order.
func (d *Deduplicator) FilterNovel(ctx context.Context, sourceID uuid.UUID, runID uuid.UUID, candidates []Candidate) ([]domain.RawParcel, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}

	recordIDs := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		recordIDs = append(recordIDs, candidate.SourceRecordID)
	}

	stored, err := d.raws.GetContentHashes(ctx, sourceID, recordIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load stored content hashes: %w", err)
	}

	novel := make([]domain.RawParcel, 0, len(candidates))
	skipped := 0
	for _, candidate := range candidates {
		hash, err := HashPayload(candidate.Payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to hash record %s: %w", candidate.SourceRecordID, err)
		}
		if existing, ok := stored[candidate.SourceRecordID]; ok && existing == hash {
			skipped++
			continue
		}
		novel = append(novel, domain.NewRawParcel(sourceID, candidate.ObjectID, candidate.SourceRecordID, candidate.Payload, hash, runID))
	}

	return novel, skipped, nil
}
