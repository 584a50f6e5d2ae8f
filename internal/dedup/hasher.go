package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashPayload computes the canonical SHA-256 content hash of a raw payload.
// encoding/json serializes map keys in sorted order at every nesting level,
// so two payloads with the same content always hash identically regardless
// of upstream field ordering.
func HashPayload(payload map[string]any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
