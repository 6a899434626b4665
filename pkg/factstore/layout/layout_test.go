package layout_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lareferencia/validationstore/pkg/factstore/layout"
	"github.com/stretchr/testify/require"
)

func TestLayout_PartitionDir(t *testing.T) {
	t.Parallel()

	m, err := layout.NewManager("/data")
	require.NoError(t, err)

	require.Equal(t, "/data/snapshot_id=1/network=NET/is_valid=true", m.PartitionDir(1, "NET", true))
	require.Equal(t, "/data/snapshot_id=1/_SUMMARY.json", m.SummaryPath(1))
	require.Equal(t, "/data/snapshot_id=1/validation_index.parquet", m.IndexPath(1))
}

func TestLayout_ListPartitionDirs_MissingIsEmpty(t *testing.T) {
	t.Parallel()

	m, err := layout.NewManager(t.TempDir())
	require.NoError(t, err)

	dirs, err := m.ListPartitionDirs(42)
	require.NoError(t, err)
	require.Empty(t, dirs)
}

func TestLayout_ListPartitionDirs_ScansAndCaches(t *testing.T) {
	base := t.TempDir()
	m, err := layout.NewManager(base)
	require.NoError(t, err)

	p1 := m.PartitionDir(1, "NET", true)
	p2 := m.PartitionDir(1, "NET", false)
	require.NoError(t, os.MkdirAll(p1, 0o755))
	require.NoError(t, os.MkdirAll(p2, 0o755))

	dirs, err := m.ListPartitionDirs(1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{p1, p2}, dirs)

	p3 := m.PartitionDir(1, "NET2", true)
	require.NoError(t, os.MkdirAll(p3, 0o755))

	// Still cached, new directory not yet visible.
	dirs, err = m.ListPartitionDirs(1)
	require.NoError(t, err)
	require.Len(t, dirs, 2)

	m.Invalidate(1)
	dirs, err = m.ListPartitionDirs(1)
	require.NoError(t, err)
	require.Len(t, dirs, 3)
}

func TestLayout_ListPartFiles_SortedByPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"part-00002.parquet", "part-00000.parquet", "part-00001.parquet"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	files, err := layout.ListPartFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	require.Equal(t, filepath.Join(dir, "part-00000.parquet"), files[0])
	require.Equal(t, filepath.Join(dir, "part-00002.parquet"), files[2])
}
