// Package index implements the lightweight index sidecar: a separate
// per-snapshot file carrying only identity and validity columns,
// rewritten wholesale on every buffered-writer flush and loaded
// entirely into memory by consumers that need repeated scans without
// touching the main fact files (spec §4.11).
package index

import (
	"fmt"
	"os"
	"sync"

	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/lareferencia/validationstore/pkg/factstore/ferrors"
	"github.com/segmentio/parquet-go"
)

// Row is the index sidecar's schema: identity and validity only, no
// partition columns (the index is flattened across partitions).
type Row struct {
	RecordID              string  `parquet:"record_id,dict"`
	Identifier            string  `parquet:"identifier,dict"`
	RecordIsValid         bool    `parquet:"record_is_valid"`
	IsTransformed         bool    `parquet:"is_transformed"`
	PublishedMetadataHash *string `parquet:"published_metadata_hash,optional"`
}

// Filter narrows LoadIndex's result to one validity/transformed
// status combination; a nil field matches either value.
type Filter struct {
	RecordIsValid *bool
	IsTransformed *bool
}

func (f Filter) matches(r Row) bool {
	if f.RecordIsValid != nil && r.RecordIsValid != *f.RecordIsValid {
		return false
	}
	if f.IsTransformed != nil && r.IsTransformed != *f.IsTransformed {
		return false
	}
	return true
}

// Sidecar accumulates one row per distinct record id seen across a
// snapshot's flushes, and rewrites the whole validation_index.parquet
// file on every Observe call. It is meant to be wired as a
// bufwriter.FlushObserver.
type Sidecar struct {
	path string

	mu   sync.Mutex
	seen map[string]Row
}

// New creates a sidecar writing to path. It starts empty and does not
// read any file already at path; the first Observe rewrites that file
// with only the rows observed since.
func New(path string) *Sidecar {
	return &Sidecar{path: path, seen: make(map[string]Row)}
}

// Observe folds a batch of freshly flushed facts into the sidecar and
// rewrites the file. Distinct fact rows for the same record id
// collapse to one index row, last write wins for the validity flags
// (they do not vary across a record's fact rows in practice).
func (s *Sidecar) Observe(rows []fact.Fact) error {
	s.mu.Lock()
	for _, f := range rows {
		s.seen[f.ID] = Row{
			RecordID:      f.ID,
			Identifier:    f.Identifier,
			RecordIsValid: f.RecordIsValid,
			IsTransformed: f.IsTransformed,
		}
	}
	s.mu.Unlock()
	return s.rewrite()
}

func (s *Sidecar) rewrite() error {
	s.mu.Lock()
	rows := make([]Row, 0, len(s.seen))
	for _, r := range s.seen {
		rows = append(rows, r)
	}
	s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &ferrors.IoFailure{Op: "write", Path: s.path, Err: err}
	}
	pw := parquet.NewGenericWriter[Row](f)
	if _, err := pw.Write(rows); err != nil {
		_ = pw.Close()
		_ = f.Close()
		return fmt.Errorf("index: write %s: %w", s.path, err)
	}
	if err := pw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("index: close writer for %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return &ferrors.IoFailure{Op: "close", Path: s.path, Err: err}
	}
	return nil
}

// Delete removes the sidecar file. A missing file is not an error.
func (s *Sidecar) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return &ferrors.IoFailure{Op: "delete", Path: s.path, Err: err}
	}
	return nil
}

// LoadIndex streams the whole sidecar file at path into memory,
// keeping only rows matching filter. A missing file yields an empty
// slice, not an error — an unfinalised snapshot may not have one yet.
func LoadIndex(path string, filter Filter) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ferrors.IoFailure{Op: "read", Path: path, Err: err}
	}
	defer f.Close()

	pr := parquet.NewGenericReader[Row](f)
	defer pr.Close()

	var out []Row
	buf := make([]Row, 1024)
	for {
		n, err := pr.Read(buf)
		for i := 0; i < n; i++ {
			if filter.matches(buf[i]) {
				out = append(out, buf[i])
			}
		}
		if err != nil {
			break
		}
	}
	return out, nil
}
