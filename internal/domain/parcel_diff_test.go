package domain

import (
	"strings"
	"testing"
)

func TestParcelSnapshotCanonicalText(t *testing.T) {
	snapshot := ParcelSnapshot{
		ParcelID: "0123-456",
		Version:  2,
		Fields: map[string]any{
			"own_name": "SMITH JOHN",
			"jv":       float64(95000),
			"dor_uc":   nil,
		},
	}

	lines := snapshot.CanonicalText()

	expected := []string{
		"ParcelID: 0123-456",
		"Version: 2",
		"Fields:",
		"  dor_uc: null",
		"  jv: 95000",
		"  own_name: \"SMITH JOHN\"",
	}

	if len(lines) != len(expected) {
		t.Fatalf("expected %d canonical lines, got %d\n%v", len(expected), len(lines), lines)
	}

	for idx, line := range expected {
		if lines[idx] != line {
			t.Errorf("line %d mismatch: expected %q got %q", idx, line, lines[idx])
		}
	}
}

func TestDiffParcelSnapshots(t *testing.T) {
	base := ParcelSnapshot{
		ParcelID: "0123-456",
		Version:  1,
		Fields: map[string]any{
			"own_name": "SMITH JOHN",
		},
	}

	target := ParcelSnapshot{
		ParcelID: "0123-456",
		Version:  2,
		Fields: map[string]any{
			"own_name": "DOE JANE",
			"jv":       float64(95000),
		},
	}

	diff := DiffParcelSnapshots("v1", &base, "v2", &target)

	if diff == "" {
		t.Fatalf("expected diff output, got empty string")
	}

	if !strings.Contains(diff, "-  own_name: \"SMITH JOHN\"") {
		t.Errorf("diff missing removed owner line: %s", diff)
	}
	if !strings.Contains(diff, "+  own_name: \"DOE JANE\"") {
		t.Errorf("diff missing added owner line: %s", diff)
	}
	if !strings.Contains(diff, "+  jv: 95000") {
		t.Errorf("diff missing added valuation: %s", diff)
	}
	if !strings.Contains(diff, " ParcelID: 0123-456") {
		t.Errorf("diff should keep the unchanged id as context: %s", diff)
	}
}

func TestDiffParcelSnapshotsNilBaseRendersCreation(t *testing.T) {
	target := ParcelSnapshot{
		ParcelID: "0123-456",
		Version:  1,
		Fields:   map[string]any{"own_name": "SMITH JOHN"},
	}

	diff := DiffParcelSnapshots("absent", nil, "v1", &target)

	if !strings.Contains(diff, "+ParcelID: 0123-456") {
		t.Errorf("expected every line added for a creation diff: %s", diff)
	}
	if strings.Contains(diff, "\n-") {
		t.Errorf("creation diff should have no removals: %s", diff)
	}
}

func TestSnapshotFromHistoryCopiesFields(t *testing.T) {
	history := ParcelHistory{
		ParcelID: "0123-456",
		Version:  4,
		Snapshot: map[string]any{"own_name": "SMITH JOHN"},
	}

	snapshot := NewParcelSnapshotFromHistory(history)
	snapshot.Fields["own_name"] = "MUTATED"

	if history.Snapshot["own_name"] != "SMITH JOHN" {
		t.Fatalf("snapshot must not alias the history row's map")
	}
	if snapshot.Version != 4 {
		t.Fatalf("expected version 4, got %d", snapshot.Version)
	}
}
