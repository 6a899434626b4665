// Package aggregate implements the parallel fold over partition files
// that produces unique-record counts and per-rule occurrence counts
// (spec §4.8, "the hardest algorithm"). All counts are counts of
// distinct record ids, never of fact rows.
package aggregate

import (
	"context"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/lareferencia/validationstore/pkg/factstore/columnar"
)

// DefaultParallelThreshold is the minimum surviving file count before
// the fold is parallelised (spec §6 config surface).
const DefaultParallelThreshold = 5

// DefaultParallelism bounds worker count when the caller does not
// specify one.
const DefaultParallelism = 8

// Options configures one aggregation run.
type Options struct {
	ParallelThreshold int
	Parallelism       int
	DisableParallel   bool
}

func (o *Options) normalize() {
	if o.ParallelThreshold <= 0 {
		o.ParallelThreshold = DefaultParallelThreshold
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
}

// Result is the folded outcome of one aggregation run, already
// reduced to set cardinalities (spec §4.8 step 5 — the sets
// themselves never escape this package).
type Result struct {
	TotalCount        int
	ValidCount        int
	TransformedCount  int
	ValidRuleCounts   map[string]int
	InvalidRuleCounts map[string]int

	// SkippedFiles holds the paths of files that failed to open or
	// read, per the "log, skip file, continue" edge case (spec §4.8).
	SkippedFiles []string
}

// partial is the accumulator one worker folds into; it is never
// shared across goroutines — each worker owns one and workers merge
// only after their fold completes (no shared locked map in the hot
// loop, per the design notes).
type partial struct {
	uniqueIDs       map[string]struct{}
	validIDs        map[string]struct{}
	transformedIDs  map[string]struct{}
	validRuleSets   map[string]map[string]struct{}
	invalidRuleSets map[string]map[string]struct{}
	skipped         []string
}

func newPartial() *partial {
	return &partial{
		uniqueIDs:       make(map[string]struct{}, 1<<14),
		validIDs:        make(map[string]struct{}, 1<<14),
		transformedIDs:  make(map[string]struct{}, 1<<14),
		validRuleSets:   make(map[string]map[string]struct{}, 256),
		invalidRuleSets: make(map[string]map[string]struct{}, 256),
	}
}

func (p *partial) observe(c columnar.Cell, interner *Interner) {
	p.uniqueIDs[c.ID] = struct{}{}
	if c.RecordIsValid {
		p.validIDs[c.ID] = struct{}{}
	}
	if c.IsTransformed {
		p.transformedIDs[c.ID] = struct{}{}
	}

	rule := interner.Intern(c.RuleID)
	target := p.invalidRuleSets
	if c.IsValid {
		target = p.validRuleSets
	}
	set, ok := target[rule]
	if !ok {
		set = make(map[string]struct{}, 64)
		target[rule] = set
	}
	set[c.ID] = struct{}{}
}

func (p *partial) foldFile(path string, pred *columnar.Predicate, interner *Interner) {
	r, err := columnar.Open(path, pred)
	if err != nil {
		p.skipped = append(p.skipped, path)
		return
	}
	defer r.Close()

	if err := r.Aggregate(func(c columnar.Cell) { p.observe(c, interner) }); err != nil {
		p.skipped = append(p.skipped, path)
	}
}

func mergeSets(dst, src map[string]struct{}) {
	for k := range src {
		dst[k] = struct{}{}
	}
}

func mergeRuleSets(dst, src map[string]map[string]struct{}) {
	for rule, set := range src {
		target, ok := dst[rule]
		if !ok {
			target = make(map[string]struct{}, len(set))
			dst[rule] = target
		}
		mergeSets(target, set)
	}
}

func merge(dst, src *partial) {
	mergeSets(dst.uniqueIDs, src.uniqueIDs)
	mergeSets(dst.validIDs, src.validIDs)
	mergeSets(dst.transformedIDs, src.transformedIDs)
	mergeRuleSets(dst.validRuleSets, src.validRuleSets)
	mergeRuleSets(dst.invalidRuleSets, src.invalidRuleSets)
	dst.skipped = append(dst.skipped, src.skipped...)
}

func (p *partial) toResult() Result {
	res := Result{
		TotalCount:        len(p.uniqueIDs),
		ValidCount:        len(p.validIDs),
		TransformedCount:  len(p.transformedIDs),
		ValidRuleCounts:   make(map[string]int, len(p.validRuleSets)),
		InvalidRuleCounts: make(map[string]int, len(p.invalidRuleSets)),
		SkippedFiles:      p.skipped,
	}
	for rule, set := range p.validRuleSets {
		res.ValidRuleCounts[rule] = len(set)
	}
	for rule, set := range p.invalidRuleSets {
		res.InvalidRuleCounts[rule] = len(set)
	}
	return res
}

// Run folds every file in files into a Result, applying pred per row
// (pred may be nil to match every row). At or above
// opts.ParallelThreshold files, the fold runs one pond task per file, each with its own
// local partial state, merged once every task finishes. ctx is
// checked between files as the cooperative cancellation point for
// long aggregations (spec §5); a cancelled context stops the fold and
// returns ctx.Err().
func Run(ctx context.Context, files []string, pred *columnar.Predicate, opts Options) (Result, error) {
	opts.normalize()
	interner := NewInterner()

	if len(files) == 0 {
		return newPartial().toResult(), nil
	}

	if len(files) < opts.ParallelThreshold || opts.DisableParallel {
		p := newPartial()
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			p.foldFile(f, pred, interner)
		}
		return p.toResult(), nil
	}

	return runParallel(ctx, files, pred, opts, interner)
}

func runParallel(ctx context.Context, files []string, pred *columnar.Predicate, opts Options, interner *Interner) (Result, error) {
	workers := opts.Parallelism
	if workers > len(files) {
		workers = len(files)
	}

	pool := pond.NewResultPool[*partial](workers)
	tasks := make([]pond.Task[*partial], 0, len(files))
	for _, f := range files {
		f := f
		tasks = append(tasks, pool.Submit(func() *partial {
			p := newPartial()
			if ctx.Err() != nil {
				return p
			}
			p.foldFile(f, pred, interner)
			return p
		}))
	}

	final := newPartial()
	for _, task := range tasks {
		p, err := task.Wait()
		if err != nil {
			return Result{}, fmt.Errorf("aggregate: worker failed: %w", err)
		}
		merge(final, p)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return final.toResult(), nil
}
