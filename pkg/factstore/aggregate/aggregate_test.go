package aggregate_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lareferencia/validationstore/pkg/factstore/aggregate"
	"github.com/lareferencia/validationstore/pkg/factstore/columnar"
	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, facts []fact.Fact) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	w, err := columnar.NewWriter(path, columnar.WriterConfig{})
	require.NoError(t, err)
	require.NoError(t, w.WriteFacts(facts))
	require.NoError(t, w.Close())
	return path
}

func TestAggregate_UniqueRecordCounts(t *testing.T) {
	t.Parallel()

	facts := []fact.Fact{
		{ID: "r1", Identifier: "oai:1", SnapshotID: 1, RuleID: 1, Value: "a", IsValid: true, RecordIsValid: true},
		{ID: "r1", Identifier: "oai:1", SnapshotID: 1, RuleID: 2, Value: "b", IsValid: true, RecordIsValid: true},
		{ID: "r2", Identifier: "oai:2", SnapshotID: 1, RuleID: 1, Value: "c", IsValid: false, RecordIsValid: false},
	}
	path := writeFile(t, "part-00000.parquet", facts)

	res, err := aggregate.Run(context.Background(), []string{path}, nil, aggregate.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalCount, "r1 and r2, not 3 fact rows")
	require.Equal(t, 1, res.ValidCount)
	require.Equal(t, 1, res.ValidRuleCounts["1"])
	require.Equal(t, 1, res.ValidRuleCounts["2"])
	require.Equal(t, 1, res.InvalidRuleCounts["1"])
}

func TestAggregate_RuleCountsAreRecordUnique(t *testing.T) {
	t.Parallel()

	// r1 has two fact rows both under rule 1 valid=true (e.g. two
	// distinct values matching the same rule); it must count once.
	facts := []fact.Fact{
		{ID: "r1", Identifier: "oai:1", SnapshotID: 1, RuleID: 1, Value: "a", IsValid: true, RecordIsValid: true},
		{ID: "r1", Identifier: "oai:1", SnapshotID: 1, RuleID: 1, Value: "b", IsValid: true, RecordIsValid: true},
	}
	path := writeFile(t, "part-00000.parquet", facts)

	res, err := aggregate.Run(context.Background(), []string{path}, nil, aggregate.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, res.ValidRuleCounts["1"])
}

func TestAggregate_EmptySnapshot_AllZero(t *testing.T) {
	t.Parallel()

	res, err := aggregate.Run(context.Background(), nil, nil, aggregate.Options{})
	require.NoError(t, err)
	require.Equal(t, 0, res.TotalCount)
	require.Empty(t, res.ValidRuleCounts)
}

func TestAggregate_PredicateFiltersOutEverything_ZeroCounts(t *testing.T) {
	t.Parallel()

	facts := []fact.Fact{
		{ID: "r1", Identifier: "oai:1", SnapshotID: 1, RuleID: 1, Value: "a", IsValid: true, RecordIsValid: true},
	}
	path := writeFile(t, "part-00000.parquet", facts)

	pred := columnar.Eq(columnar.ColumnRuleID, int32(999))
	res, err := aggregate.Run(context.Background(), []string{path}, pred, aggregate.Options{})
	require.NoError(t, err)
	require.Equal(t, 0, res.TotalCount)
}

func TestAggregate_ParallelMatchesSequential(t *testing.T) {
	t.Parallel()

	var files []string
	for i := 0; i < 8; i++ {
		files = append(files, writeFile(t, fmt.Sprintf("part-%05d.parquet", i), []fact.Fact{
			{ID: fmt.Sprintf("r%d", i), Identifier: "oai:x", SnapshotID: 1, RuleID: int32(i % 3), Value: "v", IsValid: true, RecordIsValid: true},
		}))
	}

	seq, err := aggregate.Run(context.Background(), files, nil, aggregate.Options{DisableParallel: true})
	require.NoError(t, err)

	par, err := aggregate.Run(context.Background(), files, nil, aggregate.Options{ParallelThreshold: 2, Parallelism: 4})
	require.NoError(t, err)

	require.Equal(t, seq.TotalCount, par.TotalCount)
	require.Equal(t, seq.ValidRuleCounts, par.ValidRuleCounts)
}

func TestAggregate_UnreadableFileIsSkippedNotFatal(t *testing.T) {
	t.Parallel()

	good := writeFile(t, "part-00000.parquet", []fact.Fact{
		{ID: "r1", Identifier: "oai:1", SnapshotID: 1, RuleID: 1, Value: "a", IsValid: true, RecordIsValid: true},
	})
	bad := filepath.Join(t.TempDir(), "missing.parquet")

	res, err := aggregate.Run(context.Background(), []string{good, bad}, nil, aggregate.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalCount)
	require.Contains(t, res.SkippedFiles, bad)
}

func TestAggregate_CancelledContextStopsSequentialFold(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "part-00000.parquet", []fact.Fact{
		{ID: "r1", Identifier: "oai:1", SnapshotID: 1, RuleID: 1, Value: "a", IsValid: true, RecordIsValid: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := aggregate.Run(ctx, []string{path}, nil, aggregate.Options{DisableParallel: true})
	require.ErrorIs(t, err, context.Canceled)
}
