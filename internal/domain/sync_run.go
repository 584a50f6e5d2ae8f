package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run kinds.
const (
	RunKindIncremental = "incremental"
	RunKindBulkFile    = "bulk_file"
)

// Run statuses. A run is created as started and finalized exactly once.
const (
	RunStatusStarted   = "started"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusPartial   = "partial"
)

// MaxErrorSamples bounds the error detail retained per run; counts are exact,
// samples are a window.
const MaxErrorSamples = 20

// ErrorSample is one retained failure from a run.
type ErrorSample struct {
	At      time.Time `json:"at"`
	Context string    `json:"context"`
	Message string    `json:"message"`
}

// SyncRun is the durable report for one pipeline execution: an incremental
// source sync or a bulk file ingestion.
type SyncRun struct {
	ID       uuid.UUID  `json:"id"`
	SourceID *uuid.UUID `json:"source_id,omitempty"`
	Kind     string     `json:"kind"`
	FileName *string    `json:"file_name,omitempty"`
	Status   string     `json:"status"`

	RecordsSeen      int `json:"records_seen"`
	RecordsSkipped   int `json:"records_skipped"`
	RecordsCreated   int `json:"records_created"`
	RecordsUpdated   int `json:"records_updated"`
	RecordsUnchanged int `json:"records_unchanged"`
	RecordsRejected  int `json:"records_rejected"`
	BatchesTotal     int `json:"batches_total"`
	BatchesFailed    int `json:"batches_failed"`

	WatermarkStart int64 `json:"watermark_start"`
	WatermarkEnd   int64 `json:"watermark_end"`

	ErrorSamples []ErrorSample `json:"error_samples,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewSyncRun creates a run in the started state.
func NewSyncRun(sourceID *uuid.UUID, kind string) SyncRun {
	return SyncRun{
		ID:        uuid.New(),
		SourceID:  sourceID,
		Kind:      kind,
		Status:    RunStatusStarted,
		StartedAt: time.Now(),
	}
}

// AddErrorSample records a failure detail, keeping at most MaxErrorSamples.
func (r *SyncRun) AddErrorSample(context string, err error) {
	if err == nil || len(r.ErrorSamples) >= MaxErrorSamples {
		return
	}
	r.ErrorSamples = append(r.ErrorSamples, ErrorSample{
		At:      time.Now(),
		Context: context,
		Message: err.Error(),
	})
}

// Finish stamps the terminal status and completion time.
func (r *SyncRun) Finish(status string) {
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
}
