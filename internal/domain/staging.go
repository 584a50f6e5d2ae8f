package domain

import "github.com/google/uuid"

// StagingRow is one loosely typed row landed for a run. Rows are scoped to
// their run id; no run ever reads or deletes another run's rows.
type StagingRow struct {
	RunID  uuid.UUID         `json:"run_id"`
	LineNo int               `json:"line_no"`
	Fields map[string]string `json:"fields"`
}
