package columnar

import (
	"fmt"
	"os"

	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/segmentio/parquet-go"
)

// WriteMode is the write mode a Writer is opened with. The writer
// never overwrites an existing file except in CLEAN mode (spec §4.3).
type WriteMode int

const (
	WriteModeCreate WriteMode = iota
	WriteModeClean
)

const (
	// DefaultPageSize is 1 MiB, the spec's default (§4.3, §6).
	DefaultPageSize = 1 << 20
	// DefaultRowGroupSize is 128 MiB, the spec's default (§4.3).
	DefaultRowGroupSize = 128 << 20
)

// WriterConfig configures a Writer. Zero values resolve to the
// spec-mandated defaults in Validate. Dictionary encoding (on by
// default per spec §6) is not a config knob here: it is driven
// per-column by the `dict` struct tag on fact.Row, same as
// segmentio/parquet-go's own convention.
type WriterConfig struct {
	PageSize           int64
	RowGroupSize       int64
	MaxRowsPerRowGroup int64
	Mode               WriteMode
}

func (c *WriterConfig) Validate() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RowGroupSize == 0 {
		c.RowGroupSize = DefaultRowGroupSize
	}
}

// Writer creates one fact-row file with the configured row-group
// size, page size, Snappy compression, and dictionary encoding (spec
// §4.3). It commits the footer on Close; a partial file left behind
// by a failed write must be removed and retried by the caller.
type Writer struct {
	path string
	file *os.File
	pw   *parquet.GenericWriter[fact.Row]
}

// NewWriter creates a new fact-row file at path. In WriteModeCreate it
// refuses to overwrite an existing file.
func NewWriter(path string, cfg WriterConfig) (*Writer, error) {
	cfg.Validate()

	flags := os.O_WRONLY | os.O_CREATE
	if cfg.Mode == WriteModeCreate {
		flags |= os.O_EXCL
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("columnar: create %s: %w", path, err)
	}

	opts := []parquet.WriterOption{
		parquet.Compression(&parquet.Snappy),
		parquet.PageBufferSize(int(cfg.PageSize)),
		parquet.MaxRowsPerRowGroup(maxRowsPerRowGroup(cfg)),
		parquet.DataPageStatistics(true),
	}

	pw := parquet.NewGenericWriter[fact.Row](f, opts...)

	return &Writer{path: path, file: f, pw: pw}, nil
}

func maxRowsPerRowGroup(cfg WriterConfig) int64 {
	if cfg.MaxRowsPerRowGroup > 0 {
		return cfg.MaxRowsPerRowGroup
	}
	// Fall back to an estimate derived from row-group byte budget; a
	// fact row is small (a handful of short strings and scalars), so
	// budget generously to avoid needlessly small row groups.
	const estimatedRowBytes = 256
	return cfg.RowGroupSize / estimatedRowBytes
}

// WriteFacts encodes and writes every fact in one pass.
func (w *Writer) WriteFacts(facts []fact.Fact) error {
	rows := make([]fact.Row, 0, len(facts))
	for _, f := range facts {
		row, err := fact.Encode(f)
		if err != nil {
			return fmt.Errorf("columnar: encode fact %q: %w", f.ID, err)
		}
		rows = append(rows, row)
	}
	if _, err := w.pw.Write(rows); err != nil {
		return fmt.Errorf("columnar: write rows to %s: %w", w.path, err)
	}
	return nil
}

// Close commits the footer and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("columnar: close writer for %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("columnar: close file %s: %w", w.path, err)
	}
	return nil
}

// Abort closes and removes a partially written file. The caller uses
// this when a write fails mid-stream, per spec §4.3.
func (w *Writer) Abort() error {
	_ = w.pw.Close()
	_ = w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("columnar: remove partial file %s: %w", w.path, err)
	}
	return nil
}
