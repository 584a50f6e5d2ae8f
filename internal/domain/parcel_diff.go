package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ParcelSnapshot is the minimal data required to compute diffs between parcel
// versions, whether the version is current or historical.
type ParcelSnapshot struct {
	ParcelID string
	Version  int64
	Fields   map[string]any
}

// NewParcelSnapshotFromParcel creates a snapshot from the current record.
func NewParcelSnapshotFromParcel(parcel Parcel) ParcelSnapshot {
	return ParcelSnapshot{
		ParcelID: parcel.ParcelID,
		Version:  parcel.Version,
		Fields:   parcel.BusinessFields(),
	}
}

// NewParcelSnapshotFromHistory creates a snapshot from a history row.
func NewParcelSnapshotFromHistory(history ParcelHistory) ParcelSnapshot {
	fields := make(map[string]any, len(history.Snapshot))
	for key, value := range history.Snapshot {
		fields[key] = value
	}
	return ParcelSnapshot{
		ParcelID: history.ParcelID,
		Version:  history.Version,
		Fields:   fields,
	}
}

// CanonicalText flattens the snapshot into deterministic lines suitable for diffing.
func (s ParcelSnapshot) CanonicalText() []string {
	lines := []string{
		fmt.Sprintf("ParcelID: %s", s.ParcelID),
		fmt.Sprintf("Version: %d", s.Version),
		"Fields:",
	}

	if len(s.Fields) == 0 {
		lines = append(lines, "  (empty)")
		return lines
	}

	keys := make([]string, 0, len(s.Fields))
	for key := range s.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, formatFieldValue(s.Fields[key])))
	}

	return lines
}

func formatFieldValue(value any) string {
	if value == nil {
		return "null"
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}

// DiffParcelSnapshots produces a unified diff between two snapshots using the
// provided labels. A nil snapshot diffs as empty, which renders creations and
// deletions naturally.
func DiffParcelSnapshots(baseLabel string, base *ParcelSnapshot, targetLabel string, target *ParcelSnapshot) string {
	return buildUnifiedDiff(baseLabel, targetLabel, canonicalString(base), canonicalString(target))
}

func canonicalString(snapshot *ParcelSnapshot) string {
	if snapshot == nil {
		return ""
	}
	return strings.Join(snapshot.CanonicalText(), "\n") + "\n"
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	baseLines := splitLines(baseContent)
	targetLines := splitLines(targetContent)

	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	builder.WriteString("@@ -0,0 +0,0 @@\n")
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func splitLines(input string) []string {
	lines := strings.Split(input, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}

		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}

	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}

	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}

	return ops
}
