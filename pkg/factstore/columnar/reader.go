package columnar

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/segmentio/parquet-go"
)

// ReadError wraps a malformed-file failure encountered while opening
// or scanning a fact file (spec §4.2, §7).
type ReadError struct {
	File  string
	Cause error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read error on %s: %v", e.File, e.Cause)
}

func (e *ReadError) Unwrap() error { return e.Cause }

// Cell is the raw row-group payload passed to Aggregate callbacks,
// skipping full Fact materialisation (spec §4.2).
type Cell struct {
	ID            string
	RuleID        int32
	IsValid       bool
	RecordIsValid bool
	IsTransformed bool
}

// AggregateBatchSize bounds how many rows Reader.Aggregate and
// Reader.Stream pull from the underlying parquet reader per call.
const AggregateBatchSize = 1024

// rowGroupSpan is a contiguous run of file-level row indices
// belonging to one row group.
type rowGroupSpan struct {
	start int64
	count int64
}

// Reader opens one fact file, applying an optional pushdown
// predicate. It is opened on demand and must be closed by the caller;
// no file handle is cached across calls (spec §9).
type Reader struct {
	path  string
	file  *os.File
	pf    *parquet.File
	pred  *Predicate
	spans []rowGroupSpan
}

// Open opens the fact file at path. pred may be nil to match every
// row.
func Open(path string, pred *Predicate) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("columnar: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("columnar: stat %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, &ReadError{File: path, Cause: err}
	}

	r := &Reader{path: path, file: f, pf: pf, pred: pred}
	r.spans = r.survivingSpans()
	return r, nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// survivingSpans returns, for every row group not proven
// unsatisfiable by its min/max column statistics, the file-level row
// range it occupies, in file order. Row groups ruled out never have
// any of their rows materialised (spec §4.2 guarantee b).
func (r *Reader) survivingSpans() []rowGroupSpan {
	groups := r.pf.RowGroups()
	var spans []rowGroupSpan
	var offset int64
	for _, rg := range groups {
		n := rg.NumRows()
		if rowGroupSatisfiable(rg, r.pred) {
			spans = append(spans, rowGroupSpan{start: offset, count: n})
		}
		offset += n
	}
	return spans
}

// eachSurvivingRow walks only the surviving row-group spans of the
// file, decoding rows in batches and invoking cb per row. It stops
// early if cb returns false.
func (r *Reader) eachSurvivingRow(cb func(fact.Row) bool) error {
	if len(r.spans) == 0 {
		return nil
	}

	rr := parquet.NewGenericReader[fact.Row](r.file)
	defer rr.Close()

	buf := make([]fact.Row, AggregateBatchSize)
	for _, span := range r.spans {
		if err := rr.SeekToRow(span.start); err != nil {
			return &ReadError{File: r.path, Cause: err}
		}
		remaining := span.count
		for remaining > 0 {
			want := AggregateBatchSize
			if int64(want) > remaining {
				want = int(remaining)
			}
			n, err := rr.Read(buf[:want])
			for i := 0; i < n; i++ {
				if !cb(buf[i]) {
					return nil
				}
			}
			remaining -= int64(n)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return &ReadError{File: r.path, Cause: err}
			}
			if n == 0 {
				break
			}
		}
	}
	return nil
}

// Stream produces a lazy sequence of decoded facts in file order,
// invoking cb once per surviving row. It stops early if cb returns
// false.
func (r *Reader) Stream(cb func(fact.Fact) bool) error {
	return r.eachSurvivingRow(func(row fact.Row) bool {
		f, err := fact.DecodeRow(row)
		if err != nil {
			return true
		}
		if !r.pred.Evaluate(f) {
			return true
		}
		return cb(f)
	})
}

// Aggregate is Stream's hot-path sibling: it extracts only the cells
// the aggregator needs. The Fact it builds for predicate evaluation
// carries only id, identifier, snapshot_id, rule_id and the three
// validity flags; value, network and the other string columns are
// left empty.
func (r *Reader) Aggregate(cb func(Cell)) error {
	return r.eachSurvivingRow(func(row fact.Row) bool {
		if row.ID == "" {
			return true
		}
		f := fact.Fact{
			ID:            row.ID,
			Identifier:    row.Identifier,
			SnapshotID:    row.SnapshotID,
			RuleID:        row.RuleID,
			IsValid:       row.IsValid,
			RecordIsValid: row.RecordIsValid,
			IsTransformed: row.IsTransformed,
		}
		if !r.pred.Evaluate(f) {
			return true
		}
		cb(Cell{
			ID:            row.ID,
			RuleID:        row.RuleID,
			IsValid:       row.IsValid,
			RecordIsValid: row.RecordIsValid,
			IsTransformed: row.IsTransformed,
		})
		return true
	})
}

// Count returns the number of surviving rows without materialising
// any of them.
func (r *Reader) Count() (int64, error) {
	var n int64
	err := r.Aggregate(func(Cell) { n++ })
	return n, err
}

// ReadWithSkip skips `offset` surviving rows and returns up to
// `limit`. It reports how much of offset remains unconsumed so the
// caller can carry it into the next file (spec §4.2, §4.9).
func (r *Reader) ReadWithSkip(offset, limit int) (results []fact.Fact, remainingOffset int, err error) {
	remainingOffset = offset
	err = r.Stream(func(f fact.Fact) bool {
		if remainingOffset > 0 {
			remainingOffset--
			return true
		}
		if len(results) >= limit {
			return false
		}
		results = append(results, f)
		return len(results) < limit
	})
	return results, remainingOffset, err
}
