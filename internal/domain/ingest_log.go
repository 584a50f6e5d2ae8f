package domain

import (
	"time"

	"github.com/google/uuid"
)

// Log levels for the structured ingest log stream.
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// IngestLogEntry captures one structured operational event: a rejected row,
// a failed batch, or a run lifecycle marker.
type IngestLogEntry struct {
	ID        uuid.UUID      `json:"id"`
	RunID     *uuid.UUID     `json:"run_id,omitempty"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
