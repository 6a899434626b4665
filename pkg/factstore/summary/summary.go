// Package summary implements the snapshot summary sidecar: a JSON
// document written by the first unfiltered stats query that finds none
// (Finalise runs one), deleted on every flush, answering
// unfiltered stats queries in O(1) without re-running the aggregator
// (spec §4.7).
package summary

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lareferencia/validationstore/pkg/factstore/aggregate"
	"github.com/lareferencia/validationstore/pkg/factstore/ferrors"
)

// Summary is the exact JSON shape from spec.md §4.7/§6.
type Summary struct {
	SnapshotID        int64          `json:"snapshot_id"`
	TotalRecords      int            `json:"total_records"`
	ValidRecords      int            `json:"valid_records"`
	TransformedRecords int           `json:"transformed_records"`
	ValidRuleCounts   map[string]int `json:"valid_rule_counts"`
	InvalidRuleCounts map[string]int `json:"invalid_rule_counts"`
	PartitionCount    int            `json:"partition_count"`
	TotalFactRows     int64          `json:"total_fact_rows"`
}

// FromAggregate builds a Summary from one unfiltered aggregation
// result plus the partition metadata the aggregator does not track.
func FromAggregate(snapshotID int64, res aggregate.Result, partitionCount int, totalFactRows int64) Summary {
	return Summary{
		SnapshotID:         snapshotID,
		TotalRecords:       res.TotalCount,
		ValidRecords:       res.ValidCount,
		TransformedRecords: res.TransformedCount,
		ValidRuleCounts:    res.ValidRuleCounts,
		InvalidRuleCounts:  res.InvalidRuleCounts,
		PartitionCount:     partitionCount,
		TotalFactRows:      totalFactRows,
	}
}

// Write serialises s to path, overwriting any prior summary.
func Write(path string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("summary: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &ferrors.IoFailure{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Read loads the summary at path. A missing or unreadable summary
// returns ferrors.IoFailure / a MalformedFile error; callers fall
// back to on-the-fly aggregation per spec §4.7.
func Read(path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, &ferrors.IoFailure{Op: "read", Path: path, Err: err}
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, &ferrors.MalformedFile{File: path, Err: err}
	}
	return s, nil
}

// Exists reports whether a summary file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Delete removes the summary file at path. A missing file is not an
// error (clean/delete are idempotent, spec §8 invariant 9).
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &ferrors.IoFailure{Op: "delete", Path: path, Err: err}
	}
	return nil
}

// EmptyFor returns the zeroed summary for a snapshot that has no
// aggregated data yet. It is never persisted by the engine itself (a
// persisted stub would be indistinguishable from a genuine, stale-free
// aggregation result to Read's caller); it exists for callers that
// want a zero value to report before the first real aggregation runs.
func EmptyFor(snapshotID int64) Summary {
	return Summary{
		SnapshotID:        snapshotID,
		ValidRuleCounts:   map[string]int{},
		InvalidRuleCounts: map[string]int{},
	}
}
