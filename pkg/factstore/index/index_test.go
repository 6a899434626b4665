package index_test

import (
	"path/filepath"
	"testing"

	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/lareferencia/validationstore/pkg/factstore/index"
	"github.com/stretchr/testify/require"
)

func TestIndex_ObserveAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "validation_index.parquet")
	s := index.New(path)

	require.NoError(t, s.Observe([]fact.Fact{
		{ID: "a", Identifier: "oai:a", RecordIsValid: true, IsTransformed: false},
		{ID: "a", Identifier: "oai:a", RecordIsValid: true, IsTransformed: false},
		{ID: "b", Identifier: "oai:b", RecordIsValid: false, IsTransformed: true},
	}))

	rows, err := index.LoadIndex(path, index.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2, "repeated fact rows for the same record collapse to one index row")
}

func TestIndex_RewrittenWholesaleOnEachObserve(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "validation_index.parquet")
	s := index.New(path)

	require.NoError(t, s.Observe([]fact.Fact{
		{ID: "a", Identifier: "oai:a", RecordIsValid: true},
	}))
	require.NoError(t, s.Observe([]fact.Fact{
		{ID: "b", Identifier: "oai:b", RecordIsValid: false},
	}))

	rows, err := index.LoadIndex(path, index.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2, "the second flush's rewrite must still include the first flush's rows")
}

func TestIndex_FilterByValidity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "validation_index.parquet")
	s := index.New(path)
	require.NoError(t, s.Observe([]fact.Fact{
		{ID: "a", Identifier: "oai:a", RecordIsValid: true},
		{ID: "b", Identifier: "oai:b", RecordIsValid: false},
	}))

	valid := true
	rows, err := index.LoadIndex(path, index.Filter{RecordIsValid: &valid})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0].RecordID)
}

func TestIndex_LoadMissingFile_ReturnsEmptyNotError(t *testing.T) {
	t.Parallel()

	rows, err := index.LoadIndex(filepath.Join(t.TempDir(), "missing.parquet"), index.Filter{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestIndex_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "validation_index.parquet")
	s := index.New(path)
	require.NoError(t, s.Observe([]fact.Fact{{ID: "a", Identifier: "oai:a", RecordIsValid: true}}))
	require.NoError(t, s.Delete())
	require.NoError(t, s.Delete())
}
