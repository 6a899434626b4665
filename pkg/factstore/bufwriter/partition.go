// Package bufwriter implements the buffered multi-file writer: it
// accumulates fact rows per partition key and flushes each partition
// to a new part-NNNNN file once its buffer reaches the dynamic
// threshold (spec §4.5).
package bufwriter

import (
	"sync"

	"github.com/lareferencia/validationstore/pkg/factstore/fact"
)

// Key identifies one partition buffer: (snapshot_id, network,
// is_valid).
type Key struct {
	SnapshotID int64
	Network    string
	IsValid    bool
}

// partitionBuffer holds the pending rows and next file counter for one
// partition. It is guarded by its own mutex (spec §5: per-partition
// mutexes, not one global lock), adapted from the teacher's generic
// MemoryBuffer — specialised here to fact rows with a file counter
// alongside the pending slice.
type partitionBuffer struct {
	mu           sync.Mutex
	pending      []fact.Fact
	fileCounter  int
}

func (b *partitionBuffer) add(f fact.Fact) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, f)
	return len(b.pending)
}

// takeAll returns and clears the pending rows, along with the file
// counter to write to; the stored counter is then incremented.
func (b *partitionBuffer) takeAll() ([]fact.Fact, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := b.pending
	b.pending = nil
	counter := b.fileCounter
	b.fileCounter++
	return rows, counter
}

func (b *partitionBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
