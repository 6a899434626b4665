// Package query implements the read surface over a snapshot: stats
// (cached and live), counts, pagination, and rule-occurrence
// histograms (spec §4.9).
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lareferencia/validationstore/pkg/factstore/aggregate"
	"github.com/lareferencia/validationstore/pkg/factstore/columnar"
	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/lareferencia/validationstore/pkg/factstore/ferrors"
	"github.com/lareferencia/validationstore/pkg/factstore/layout"
	"github.com/lareferencia/validationstore/pkg/factstore/summary"
)

// DefaultCountTTL is the default memoisation window for Count (spec
// §4.9, §6 config surface).
const DefaultCountTTL = 5 * time.Minute

// Config configures a Store.
type Config struct {
	Layout            *layout.Manager
	CountTTL          time.Duration
	AggregateOptions  aggregate.Options
}

func (c *Config) validate() error {
	if c.Layout == nil {
		return fmt.Errorf("query: layout manager is required")
	}
	if c.CountTTL == 0 {
		c.CountTTL = DefaultCountTTL
	}
	return nil
}

// Store is the query surface over one base directory of snapshots.
type Store struct {
	layout  *layout.Manager
	aggOpts aggregate.Options

	countCache *ttlcache.Cache[string, int64]
}

// NewStore creates a Store. It starts the count cache's background
// eviction goroutine; callers must call Close on shutdown.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	countCache := ttlcache.New(
		ttlcache.WithTTL[string, int64](cfg.CountTTL),
	)
	go countCache.Start()

	return &Store{
		layout:     cfg.Layout,
		aggOpts:    cfg.AggregateOptions,
		countCache: countCache,
	}, nil
}

// Close stops the count cache's background eviction goroutine.
func (s *Store) Close() {
	s.countCache.Stop()
}

// partFiles returns every part file under a snapshot, in deterministic
// path order (spec §4.9 pagination determinism, §5 ordering
// guarantees).
func (s *Store) partFiles(snapshotID int64) ([]string, error) {
	dirs, err := s.layout.ListPartitionDirs(snapshotID)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, dir := range dirs {
		fs, err := layout.ListPartFiles(dir)
		if err != nil {
			return nil, err
		}
		files = append(files, fs...)
	}
	sort.Strings(files)
	return files, nil
}

// Stats answers stats(snapshot): if a fresh _SUMMARY.json exists, it
// is returned as-is (spec §4.7 fast path); otherwise the aggregator
// runs unfiltered and the result is persisted as a new summary.
func (s *Store) Stats(ctx context.Context, snapshotID int64) (summary.Summary, error) {
	summaryPath := s.layout.SummaryPath(snapshotID)
	if sum, err := summary.Read(summaryPath); err == nil {
		return sum, nil
	}

	res, files, err := s.runAggregate(ctx, snapshotID, nil)
	if err != nil {
		return summary.Summary{}, err
	}

	var totalFactRows int64
	for _, f := range files {
		r, err := columnar.Open(f, nil)
		if err != nil {
			continue
		}
		n, err := r.Count()
		_ = r.Close()
		if err == nil {
			totalFactRows += n
		}
	}

	dirs, err := s.layout.ListPartitionDirs(snapshotID)
	if err != nil {
		return summary.Summary{}, err
	}

	sum := summary.FromAggregate(snapshotID, res, len(dirs), totalFactRows)
	if err := summary.Write(summaryPath, sum); err != nil {
		return summary.Summary{}, err
	}
	return sum, nil
}

// StatsFiltered runs the aggregator with a predicate built from
// filter. It is never persisted to disk — the filter space is
// open-ended (spec §4.9).
func (s *Store) StatsFiltered(ctx context.Context, snapshotID int64, filter columnar.Filter) (aggregate.Result, []string, error) {
	pred, warnings := columnar.BuildPredicate(filter)
	res, _, err := s.runAggregate(ctx, snapshotID, pred)
	return res, warnings, err
}

func (s *Store) runAggregate(ctx context.Context, snapshotID int64, pred *columnar.Predicate) (aggregate.Result, []string, error) {
	files, err := s.partFiles(snapshotID)
	if err != nil {
		return aggregate.Result{}, nil, err
	}
	res, err := aggregate.Run(ctx, files, pred, s.aggOpts)
	return res, files, err
}

// Count sums reader.Count() across every surviving file, memoised by
// (snapshot, filter) for CountTTL (spec §4.9).
func (s *Store) Count(ctx context.Context, snapshotID int64, filter columnar.Filter) (int64, []string, error) {
	pred, warnings := columnar.BuildPredicate(filter)
	key := countCacheKey(snapshotID, filter)

	if item := s.countCache.Get(key); item != nil {
		return item.Value(), warnings, nil
	}

	files, err := s.partFiles(snapshotID)
	if err != nil {
		return 0, warnings, err
	}

	var total int64
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return 0, warnings, err
		}
		r, err := columnar.Open(f, pred)
		if err != nil {
			continue
		}
		n, err := r.Count()
		_ = r.Close()
		if err != nil {
			continue
		}
		total += n
	}

	s.countCache.Set(key, total, ttlcache.DefaultTTL)
	return total, warnings, nil
}

func countCacheKey(snapshotID int64, filter columnar.Filter) string {
	return fmt.Sprintf("%d:%s", snapshotID, filter.String())
}

// Paginate sorts partition files deterministically and carries the
// remaining skip offset across files, stopping once size results are
// collected (spec §4.9, §8 invariant 6).
func (s *Store) Paginate(ctx context.Context, snapshotID int64, filter columnar.Filter, page, size int) ([]fact.Fact, []string, error) {
	if size <= 0 {
		return nil, nil, &ferrors.InvalidInput{Field: "size", Reason: "must be positive"}
	}
	pred, warnings := columnar.BuildPredicate(filter)

	files, err := s.partFiles(snapshotID)
	if err != nil {
		return nil, warnings, err
	}

	offset := page * size
	var results []fact.Fact
	for _, f := range files {
		if len(results) >= size {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, warnings, err
		}
		r, err := columnar.Open(f, pred)
		if err != nil {
			continue
		}
		batch, remaining, err := r.ReadWithSkip(offset, size-len(results))
		_ = r.Close()
		if err != nil {
			continue
		}
		offset = remaining
		results = append(results, batch...)
	}
	return results, warnings, nil
}

// RuleOccurrences streams decoded facts matching rule_id=ruleID AND
// is_valid=valid (plus the optional user filter) and accumulates an
// occurrence-value histogram (spec §4.9).
func (s *Store) RuleOccurrences(ctx context.Context, snapshotID int64, ruleID int32, valid bool, filter columnar.Filter) (map[string]int, []string, error) {
	userPred, warnings := columnar.BuildPredicate(filter)
	rulePred := columnar.And(
		columnar.Eq(columnar.ColumnRuleID, ruleID),
		columnar.Eq(columnar.ColumnIsValid, valid),
	)
	pred := columnar.And(rulePred, userPred)

	files, err := s.partFiles(snapshotID)
	if err != nil {
		return nil, warnings, err
	}

	histogram := make(map[string]int)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, warnings, err
		}
		r, err := columnar.Open(f, pred)
		if err != nil {
			continue
		}
		err = r.Stream(func(fc fact.Fact) bool {
			histogram[fc.Value]++
			return true
		})
		_ = r.Close()
		if err != nil {
			continue
		}
	}
	return histogram, warnings, nil
}
