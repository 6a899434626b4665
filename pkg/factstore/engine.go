// Package factstore is the columnar validation-statistics storage
// engine: a lifecycle controller over the fact-table layout, buffered
// writer, aggregator, query surface, and index sidecar implemented by
// its subpackages (spec §4.12).
package factstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lareferencia/validationstore/pkg/factstore/aggregate"
	"github.com/lareferencia/validationstore/pkg/factstore/bufwriter"
	"github.com/lareferencia/validationstore/pkg/factstore/explode"
	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/lareferencia/validationstore/pkg/factstore/ferrors"
	"github.com/lareferencia/validationstore/pkg/factstore/index"
	"github.com/lareferencia/validationstore/pkg/factstore/layout"
	"github.com/lareferencia/validationstore/pkg/factstore/query"
	"github.com/lareferencia/validationstore/pkg/factstore/summary"
)

// snapshotState is the per-snapshot lifecycle state (spec §4.12).
type snapshotState int

const (
	stateAbsent snapshotState = iota
	stateOpen
	stateFinalised
	stateDeleted
)

// Config configures an Engine. Mirrors spec.md §6's enumerated
// configuration options. Validate fills numeric defaults only:
// EnableDynamicSizing and EnableParallelProcessing keep Go's zero
// value, false, unless the caller sets them.
type Config struct {
	Logger *slog.Logger

	BasePath                 string
	RecordsPerFile           int
	EnableDynamicSizing      bool
	EnableParallelProcessing bool
	ParallelThreshold        int
	CountCacheTTL            time.Duration
}

const defaultRecordsPerFile = 100_000

// Validate fills defaults and rejects missing required fields, per
// the teacher's ProviderConfig.Validate() convention.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("factstore: base_path is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RecordsPerFile <= 0 {
		c.RecordsPerFile = defaultRecordsPerFile
	}
	if c.ParallelThreshold <= 0 {
		c.ParallelThreshold = aggregate.DefaultParallelThreshold
	}
	if c.CountCacheTTL <= 0 {
		c.CountCacheTTL = query.DefaultCountTTL
	}
	return nil
}

// Engine is the lifecycle controller: it owns the layout manager, the
// buffered writer, the query store, and one index sidecar per open
// snapshot.
type Engine struct {
	log    *slog.Logger
	cfg    Config
	layout *layout.Manager
	writer *bufwriter.Writer
	store  *query.Store
	sizer  *bufwriter.Sizer

	mu        sync.Mutex
	states    map[int64]snapshotState
	sidecars  map[int64]*index.Sidecar
}

// Open constructs an Engine rooted at cfg.BasePath.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lm, err := layout.NewManager(cfg.BasePath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:      cfg.Logger,
		cfg:      cfg,
		layout:   lm,
		states:   make(map[int64]snapshotState),
		sidecars: make(map[int64]*index.Sidecar),
	}

	e.sizer = bufwriter.NewSizer(cfg.EnableDynamicSizing, cfg.RecordsPerFile)
	e.writer = bufwriter.New(lm, e.sizer, e.onFlush)

	store, err := query.NewStore(query.Config{
		Layout:   lm,
		CountTTL: cfg.CountCacheTTL,
		AggregateOptions: aggregate.Options{
			ParallelThreshold: cfg.ParallelThreshold,
			DisableParallel:   !cfg.EnableParallelProcessing,
		},
	})
	if err != nil {
		return nil, err
	}
	e.store = store

	return e, nil
}

// onFlush is wired as the bufwriter.FlushObserver: it feeds every
// freshly flushed batch into that snapshot's index sidecar, if one is
// open (spec §4.11: "written incrementally alongside the main
// writer"), and invalidates any persisted summary for the snapshot —
// a flush changes the fact data stats(snapshot) reports on, so a
// summary written before it is no longer fresh (spec §4.7: "if summary
// exists and is fresh, return it"). The next Stats call recomputes and
// re-persists it.
func (e *Engine) onFlush(snapshotID int64, rows []fact.Fact) {
	if err := summary.Delete(e.layout.SummaryPath(snapshotID)); err != nil {
		e.log.Warn("summary invalidation failed", "snapshot_id", snapshotID, "error", err)
	}

	e.mu.Lock()
	sc, ok := e.sidecars[snapshotID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := sc.Observe(rows); err != nil {
		e.log.Warn("index sidecar update failed", "snapshot_id", snapshotID, "error", err)
	}
}

// Store exposes the read surface for callers that only need queries.
func (e *Engine) Store() *query.Store { return e.store }

func (e *Engine) setState(snapshotID int64, s snapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[snapshotID] = s
}

func (e *Engine) state(snapshotID int64) snapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[snapshotID]
}

// Initialise creates the snapshot directory and transitions the
// snapshot to Open. A second Initialise overlapping an already-open
// snapshot returns Busy (spec §4.12, §5).
//
// It deliberately does not persist a placeholder _SUMMARY.json: Stats
// treats any readable summary file as authoritative, so writing one
// here would make every later Stats call (including the one Finalise
// makes) hit the fast path against a stub that was never updated with
// real data. The summary file is only ever written by a genuine
// aggregation, in query.Store.Stats.
func (e *Engine) Initialise(snapshotID int64) error {
	e.mu.Lock()
	if e.states[snapshotID] == stateOpen {
		e.mu.Unlock()
		return &ferrors.Busy{SnapshotID: snapshotID}
	}
	e.states[snapshotID] = stateOpen
	e.sidecars[snapshotID] = index.New(e.layout.IndexPath(snapshotID))
	e.mu.Unlock()

	return mkdirAll(e.layout.SnapshotDir(snapshotID))
}

// RegisterEstimate records an expected total record count for a
// snapshot, used to pick its dynamic file-sizing tier (spec §4.5). It
// is a no-op on the on-disk state; call it any time before the
// relevant buffers fill up.
func (e *Engine) RegisterEstimate(snapshotID int64, totalRecords int) {
	e.sizer.RegisterEstimate(snapshotID, totalRecords)
}

// Ingest explodes one verdict and enqueues its facts into the
// buffered writer. A verdict missing its id, identifier or snapshot id
// is dropped with a logged ferrors.InvalidInput warning. Warnings from
// the explosion stage are logged, not returned, per §7's "dropped with
// a warning, never fails the call" policy for malformed rule ids.
func (e *Engine) Ingest(verdict fact.Verdict) error {
	if e.state(verdict.SnapshotID) != stateOpen {
		return fmt.Errorf("factstore: snapshot %d is not open for writes", verdict.SnapshotID)
	}
	missing := ""
	switch {
	case verdict.ID == "":
		missing = "id"
	case verdict.Identifier == "":
		missing = "identifier"
	case verdict.SnapshotID == 0:
		missing = "snapshot_id"
	}
	if missing != "" {
		err := &ferrors.InvalidInput{Field: missing, Reason: "required field is missing"}
		e.log.Warn("dropped verdict", "snapshot_id", verdict.SnapshotID, "detail", err.Error())
		return nil
	}

	facts, warnings := explode.Explode(verdict)
	for _, w := range warnings {
		e.log.Warn("dropped malformed occurrence", "snapshot_id", verdict.SnapshotID, "detail", w.String())
	}
	for _, f := range facts {
		if err := e.writer.Enqueue(f); err != nil {
			return err
		}
	}
	return nil
}

// Finalise flushes every buffer for the snapshot, regenerates the
// summary, and transitions it to Finalised (spec §4.12).
func (e *Engine) Finalise(ctx context.Context, snapshotID int64) error {
	if err := e.writer.FlushSnapshot(snapshotID); err != nil {
		return err
	}

	if _, err := e.store.Stats(ctx, snapshotID); err != nil {
		e.log.Warn("summary regeneration failed at finalise", "snapshot_id", snapshotID, "error", err)
	}

	e.setState(snapshotID, stateFinalised)
	return nil
}

// Clean flushes, deletes every file under the snapshot subtree,
// deletes the summary, and invalidates caches. Idempotent: calling it
// twice leaves the directory empty and no cached state (spec §8
// invariant 9).
func (e *Engine) Clean(snapshotID int64) error {
	_ = e.writer.FlushSnapshot(snapshotID)
	e.writer.ForgetSnapshot(snapshotID)

	e.mu.Lock()
	if sc, ok := e.sidecars[snapshotID]; ok {
		_ = sc.Delete()
		delete(e.sidecars, snapshotID)
	}
	e.mu.Unlock()

	if err := summary.Delete(e.layout.SummaryPath(snapshotID)); err != nil {
		return err
	}
	if err := removeAll(e.layout.SnapshotDir(snapshotID)); err != nil {
		return err
	}
	if err := mkdirAll(e.layout.SnapshotDir(snapshotID)); err != nil {
		return err
	}

	e.layout.Invalidate(snapshotID)
	e.setState(snapshotID, stateAbsent)
	return nil
}

// Delete is Clean plus removing the snapshot directory itself, leaving
// the snapshot in the Deleted terminal state.
func (e *Engine) Delete(snapshotID int64) error {
	if err := e.Clean(snapshotID); err != nil {
		return err
	}
	if err := removeAll(e.layout.SnapshotDir(snapshotID)); err != nil {
		return err
	}
	e.setState(snapshotID, stateDeleted)
	return nil
}

// DeleteByID and CopySnapshot are explicitly out of scope at the
// fact-table layer (spec.md Open Questions; see DESIGN.md).
func (e *Engine) DeleteByID(snapshotID int64, recordID string) error {
	return &ferrors.Unsupported{Op: "delete_by_id"}
}

func (e *Engine) CopySnapshot(srcSnapshotID, dstSnapshotID int64) error {
	return &ferrors.Unsupported{Op: "copy_snapshot"}
}

// Shutdown flushes every active snapshot's buffers and stops the
// query store's background cache eviction (spec §4.12, §5).
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.writer.FlushAll()
	e.store.Close()
	return err
}

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ferrors.IoFailure{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

func removeAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return &ferrors.IoFailure{Op: "delete", Path: dir, Err: err}
	}
	return nil
}
