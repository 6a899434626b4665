package columnar

import "github.com/segmentio/parquet-go"

// columnNames maps a pushdown-eligible Column to the schema path used
// to look up its column-chunk statistics.
var columnNames = map[Column]string{
	ColumnSnapshotID:    "snapshot_id",
	ColumnRuleID:        "rule_id",
	ColumnIsValid:       "is_valid",
	ColumnRecordIsValid: "record_is_valid",
	ColumnIsTransformed: "is_transformed",
}

// rowGroupSatisfiable reports whether a row group may hold a row
// satisfying pred; false means its column statistics rule out every
// row in it. A row group survives whenever the
// predicate *might* be satisfied by some row in it; the full
// predicate is always re-evaluated per-row afterwards, so a false
// negative here would be a correctness bug but a false positive only
// costs a wasted scan.
func rowGroupSatisfiable(rg parquet.RowGroup, pred *Predicate) bool {
	if pred == nil {
		return true
	}
	switch pred.Kind {
	case KindAnd:
		for _, c := range pred.Children {
			if !rowGroupSatisfiable(rg, c) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range pred.Children {
			if rowGroupSatisfiable(rg, c) {
				return true
			}
		}
		return false
	case KindEq:
		return eqSatisfiable(rg, pred)
	default:
		return true
	}
}

func eqSatisfiable(rg parquet.RowGroup, pred *Predicate) bool {
	name, ok := columnNames[pred.Column]
	if !ok {
		// Column carries no row-group statistics we track; never
		// skip on it.
		return true
	}

	leaf, ok := rg.Schema().Lookup(name)
	if !ok {
		return true
	}

	chunks := rg.ColumnChunks()
	if leaf.ColumnIndex < 0 || leaf.ColumnIndex >= len(chunks) {
		return true
	}

	idx, err := chunks[leaf.ColumnIndex].ColumnIndex()
	if err != nil || idx == nil || idx.NumPages() == 0 {
		return true
	}

	minVal, maxVal, ok := pageBounds(idx)
	if !ok {
		return true
	}

	switch pred.Column {
	case ColumnSnapshotID:
		return pred.Int64Val >= minVal.Int64() && pred.Int64Val <= maxVal.Int64()
	case ColumnRuleID:
		return pred.Int32Val >= minVal.Int32() && pred.Int32Val <= maxVal.Int32()
	case ColumnIsValid, ColumnRecordIsValid, ColumnIsTransformed:
		// Boolean min/max only rules out a row group when every page
		// is uniformly the opposite value of what's being searched
		// for.
		return minVal.Boolean() == pred.BoolVal || maxVal.Boolean() == pred.BoolVal
	default:
		return true
	}
}

// pageBounds folds per-page min/max statistics into row-group-wide
// bounds.
func pageBounds(idx parquet.ColumnIndex) (min, max parquet.Value, ok bool) {
	n := idx.NumPages()
	first := true
	for i := 0; i < n; i++ {
		if idx.NullPage(i) {
			continue
		}
		pageMin := idx.MinValue(i)
		pageMax := idx.MaxValue(i)
		if first {
			min, max = pageMin, pageMax
			first = false
			continue
		}
		if compareValues(pageMin, min) < 0 {
			min = pageMin
		}
		if compareValues(pageMax, max) > 0 {
			max = pageMax
		}
	}
	return min, max, !first
}

func compareValues(a, b parquet.Value) int {
	switch a.Kind() {
	case parquet.Int32:
		return int(a.Int32() - b.Int32())
	case parquet.Int64:
		d := a.Int64() - b.Int64()
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		default:
			return 0
		}
	case parquet.Boolean:
		if a.Boolean() == b.Boolean() {
			return 0
		}
		if !a.Boolean() {
			return -1
		}
		return 1
	default:
		return 0
	}
}
