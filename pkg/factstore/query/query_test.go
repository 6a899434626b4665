package query_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/lareferencia/validationstore/pkg/factstore/bufwriter"
	"github.com/lareferencia/validationstore/pkg/factstore/columnar"
	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/lareferencia/validationstore/pkg/factstore/layout"
	"github.com/lareferencia/validationstore/pkg/factstore/query"
	"github.com/stretchr/testify/require"
)

// seedSnapshot writes facts via bufwriter so partitioning and file
// layout match what production ingestion produces.
func seedSnapshot(t *testing.T, facts []fact.Fact) (*layout.Manager, func()) {
	t.Helper()
	lm, err := layout.NewManager(t.TempDir())
	require.NoError(t, err)
	w := bufwriter.New(lm, bufwriter.NewSizer(false, 1000), nil)
	for _, f := range facts {
		require.NoError(t, w.Enqueue(f))
	}
	require.NoError(t, w.FlushAll())
	return lm, func() {}
}

// TestQuery_S3_FilterByRule implements spec §8 scenario S3.
func TestQuery_S3_FilterByRule(t *testing.T) {
	t.Parallel()

	lm, _ := seedSnapshot(t, []fact.Fact{
		{ID: "a", Identifier: "oai:a", SnapshotID: 2, Network: "NET", RuleID: 7, Value: "x", IsValid: true, RecordIsValid: true},
		{ID: "b", Identifier: "oai:b", SnapshotID: 2, Network: "NET", RuleID: 7, Value: "z", IsValid: false, RecordIsValid: false},
		{ID: "b", Identifier: "oai:b", SnapshotID: 2, Network: "NET", RuleID: 8, Value: "w", IsValid: false, RecordIsValid: false},
	})

	store, err := query.NewStore(query.Config{Layout: lm})
	require.NoError(t, err)
	defer store.Close()

	rule := "7"
	filter := columnar.Filter{ValidRulesFilter: &rule}

	n, warnings, err := store.Count(context.Background(), 2, filter)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, int64(1), n)

	page, _, err := store.Paginate(context.Background(), 2, filter, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "a", page[0].ID)
}

// TestQuery_S4_OccurrenceHistogram implements spec §8 scenario S4.
func TestQuery_S4_OccurrenceHistogram(t *testing.T) {
	t.Parallel()

	lm, _ := seedSnapshot(t, []fact.Fact{
		{ID: "a", Identifier: "oai:a", SnapshotID: 4, Network: "NET", RuleID: 7, Value: "x", IsValid: true, RecordIsValid: true},
		{ID: "a", Identifier: "oai:a", SnapshotID: 4, Network: "NET", RuleID: 7, Value: "y", IsValid: true, RecordIsValid: true},
		{ID: "b", Identifier: "oai:b", SnapshotID: 4, Network: "NET", RuleID: 7, Value: "x", IsValid: true, RecordIsValid: true},
		{ID: "b", Identifier: "oai:b", SnapshotID: 4, Network: "NET", RuleID: 7, Value: "z", IsValid: true, RecordIsValid: true},
	})

	store, err := query.NewStore(query.Config{Layout: lm})
	require.NoError(t, err)
	defer store.Close()

	hist, warnings, err := store.RuleOccurrences(context.Background(), 4, 7, true, columnar.Filter{})
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, map[string]int{"x": 2, "y": 1, "z": 1}, hist)
}

// TestQuery_S5_SummaryFastPath implements spec §8 scenario S5: the
// second Stats call must come back from the persisted summary, not a
// fresh aggregation.
func TestQuery_S5_SummaryFastPath(t *testing.T) {
	t.Parallel()

	lm, _ := seedSnapshot(t, []fact.Fact{
		{ID: "a", Identifier: "oai:a", SnapshotID: 5, Network: "NET", RuleID: 7, Value: "x", IsValid: true, RecordIsValid: true},
	})

	store, err := query.NewStore(query.Config{Layout: lm})
	require.NoError(t, err)
	defer store.Close()

	first, err := store.Stats(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, summaryExists(lm, 5))

	second, err := store.Stats(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func summaryExists(lm *layout.Manager, snapshotID int64) bool {
	_, err := os.Stat(lm.SummaryPath(snapshotID))
	return err == nil
}

func TestQuery_Pagination_ConcatenationLaw(t *testing.T) {
	t.Parallel()

	var facts []fact.Fact
	for i := 0; i < 25; i++ {
		facts = append(facts, fact.Fact{
			ID: fmt.Sprintf("r%02d", i), Identifier: "oai:x", SnapshotID: 6, Network: "NET",
			RuleID: 1, Value: "v", IsValid: true, RecordIsValid: true,
		})
	}
	lm, _ := seedSnapshot(t, facts)

	store, err := query.NewStore(query.Config{Layout: lm})
	require.NoError(t, err)
	defer store.Close()

	const pageSize = 7
	var all []fact.Fact
	for page := 0; ; page++ {
		batch, _, err := store.Paginate(context.Background(), 6, columnar.Filter{}, page, pageSize)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < pageSize {
			break
		}
	}

	require.Len(t, all, 25)
	seen := make(map[string]bool)
	for _, f := range all {
		require.False(t, seen[f.ID], "pagination must not repeat a record")
		seen[f.ID] = true
	}
}
