package bufwriter

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/lareferencia/validationstore/pkg/factstore/columnar"
	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/lareferencia/validationstore/pkg/factstore/layout"
)

// FlushObserver is notified with the rows written by a flush, for the
// lightweight index sidecar (spec §4.11: "written incrementally
// alongside the main writer").
type FlushObserver func(snapshotID int64, rows []fact.Fact)

// Writer is the buffered multi-file writer (spec §4.5). It owns every
// partition buffer; no other component may mutate them.
type Writer struct {
	layout *layout.Manager
	sizer  *Sizer

	mu         sync.RWMutex
	partitions map[Key]*partitionBuffer

	onFlush FlushObserver
}

// New creates a buffered multi-file writer rooted at the given layout
// manager.
func New(lm *layout.Manager, sizer *Sizer, onFlush FlushObserver) *Writer {
	return &Writer{
		layout:     lm,
		sizer:      sizer,
		partitions: make(map[Key]*partitionBuffer),
		onFlush:    onFlush,
	}
}

func (w *Writer) bufferFor(key Key) *partitionBuffer {
	w.mu.RLock()
	pb, ok := w.partitions[key]
	w.mu.RUnlock()
	if ok {
		return pb
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if pb, ok = w.partitions[key]; ok {
		return pb
	}
	pb = &partitionBuffer{}
	w.partitions[key] = pb
	return pb
}

// Enqueue appends f to its partition's buffer, flushing that
// partition synchronously once it reaches the dynamic threshold for
// f.SnapshotID (spec §4.5 op 1).
func (w *Writer) Enqueue(f fact.Fact) error {
	key := Key{SnapshotID: f.SnapshotID, Network: f.Network, IsValid: f.IsValid}
	pb := w.bufferFor(key)

	n := pb.add(f)
	if n >= w.sizer.Threshold(f.SnapshotID) {
		return w.flush(key, pb)
	}
	return nil
}

// flush writes every buffered row for one partition to a new
// part-NNNNN file, closes it, and invalidates the partition-path
// cache for the snapshot (spec §4.5 op 2). A write that fails leaves
// its partial file removed and is retried once (spec §4.3).
func (w *Writer) flush(key Key, pb *partitionBuffer) error {
	rows, counter := pb.takeAll()
	if len(rows) == 0 {
		return nil
	}

	dir := w.layout.PartitionDir(key.SnapshotID, key.Network, key.IsValid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bufwriter: create partition dir %s: %w", dir, err)
	}

	path := layout.PartFile(dir, counter)
	attempt := 0
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		attempt++
		return struct{}{}, writeOnce(path, rows)
	}, backoff.WithMaxTries(2))
	if err != nil {
		return fmt.Errorf("bufwriter: write %s (attempt %d): %w", path, attempt, err)
	}

	w.layout.Invalidate(key.SnapshotID)

	if w.onFlush != nil {
		w.onFlush(key.SnapshotID, rows)
	}
	return nil
}

// writeOnce opens, writes, and closes one fact file, removing it again
// on any failure so a retry starts from a clean slate.
func writeOnce(path string, rows []fact.Fact) error {
	cw, err := columnar.NewWriter(path, columnar.WriterConfig{Mode: columnar.WriteModeClean})
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := cw.WriteFacts(rows); err != nil {
		_ = cw.Abort()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := cw.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// FlushAll flushes every non-empty partition buffer (used on finalise
// and shutdown, spec §4.5 op 3).
func (w *Writer) FlushAll() error {
	w.mu.RLock()
	keys := make([]Key, 0, len(w.partitions))
	bufs := make([]*partitionBuffer, 0, len(w.partitions))
	for k, pb := range w.partitions {
		keys = append(keys, k)
		bufs = append(bufs, pb)
	}
	w.mu.RUnlock()

	var firstErr error
	for i, key := range keys {
		if bufs[i].len() == 0 {
			continue
		}
		if err := w.flush(key, bufs[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushSnapshot flushes every partition buffer belonging to one
// snapshot.
func (w *Writer) FlushSnapshot(snapshotID int64) error {
	w.mu.RLock()
	var keys []Key
	var bufs []*partitionBuffer
	for k, pb := range w.partitions {
		if k.SnapshotID == snapshotID {
			keys = append(keys, k)
			bufs = append(bufs, pb)
		}
	}
	w.mu.RUnlock()

	var firstErr error
	for i, key := range keys {
		if bufs[i].len() == 0 {
			continue
		}
		if err := w.flush(key, bufs[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ForgetSnapshot drops every in-memory partition buffer for a
// snapshot without flushing (used by clean/delete, which remove the
// underlying files anyway).
func (w *Writer) ForgetSnapshot(snapshotID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range w.partitions {
		if k.SnapshotID == snapshotID {
			delete(w.partitions, k)
		}
	}
}
