// Package layout implements the partition layout manager: it maps
// (snapshot, network, is_valid) to a directory path, and caches the
// per-snapshot list of leaf partition directories (spec §4.4).
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dgraph-io/ristretto"
)

// Manager builds partition paths under a base directory and caches
// the per-snapshot leaf-directory listing.
type Manager struct {
	basePath string
	cache    *ristretto.Cache
}

// NewManager creates a layout manager rooted at basePath.
func NewManager(basePath string) (*Manager, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("layout: create partition-path cache: %w", err)
	}
	return &Manager{basePath: basePath, cache: cache}, nil
}

// SnapshotDir returns <base>/snapshot_id=<N>.
func (m *Manager) SnapshotDir(snapshotID int64) string {
	return filepath.Join(m.basePath, fmt.Sprintf("snapshot_id=%d", snapshotID))
}

// SummaryPath returns <base>/snapshot_id=<N>/_SUMMARY.json.
func (m *Manager) SummaryPath(snapshotID int64) string {
	return filepath.Join(m.SnapshotDir(snapshotID), "_SUMMARY.json")
}

// IndexPath returns <base>/snapshot_id=<N>/validation_index.parquet.
func (m *Manager) IndexPath(snapshotID int64) string {
	return filepath.Join(m.SnapshotDir(snapshotID), "validation_index.parquet")
}

// PartitionDir returns the leaf directory for (snapshotID, network,
// isValid): <base>/snapshot_id=<N>/network=<S>/is_valid=<true|false>.
func (m *Manager) PartitionDir(snapshotID int64, network string, isValid bool) string {
	return filepath.Join(
		m.SnapshotDir(snapshotID),
		fmt.Sprintf("network=%s", network),
		fmt.Sprintf("is_valid=%s", strconv.FormatBool(isValid)),
	)
}

// PartFile returns <partitionDir>/part-<NNNNN>.parquet.
func PartFile(partitionDir string, counter int) string {
	return filepath.Join(partitionDir, fmt.Sprintf("part-%05d.parquet", counter))
}

// ListPartitionDirs enumerates every leaf partition directory for a
// snapshot via a cached two-level scan (network dirs, then is_valid
// dirs). Missing directories are not errors; they yield an empty
// list. The result is cached until Invalidate(snapshotID) is called.
func (m *Manager) ListPartitionDirs(snapshotID int64) ([]string, error) {
	if cached, ok := m.cache.Get(snapshotID); ok {
		return cached.([]string), nil
	}

	dirs, err := m.scanPartitionDirs(snapshotID)
	if err != nil {
		return nil, err
	}

	m.cache.Set(snapshotID, dirs, int64(len(dirs))+1)
	m.cache.Wait()
	return dirs, nil
}

func (m *Manager) scanPartitionDirs(snapshotID int64) ([]string, error) {
	snapshotDir := m.SnapshotDir(snapshotID)
	networkEntries, err := os.ReadDir(snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("layout: list %s: %w", snapshotDir, err)
	}

	var dirs []string
	for _, ne := range networkEntries {
		if !ne.IsDir() {
			continue
		}
		networkDir := filepath.Join(snapshotDir, ne.Name())
		validEntries, err := os.ReadDir(networkDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("layout: list %s: %w", networkDir, err)
		}
		for _, ve := range validEntries {
			if !ve.IsDir() {
				continue
			}
			dirs = append(dirs, filepath.Join(networkDir, ve.Name()))
		}
	}

	sort.Strings(dirs)
	return dirs, nil
}

// Invalidate drops the cached partition-directory list for a
// snapshot, forcing the next ListPartitionDirs call to rescan. It is
// called on every write to that snapshot.
func (m *Manager) Invalidate(snapshotID int64) {
	m.cache.Del(snapshotID)
}

// InvalidateAll drops every cached listing. Clean and Delete call
// Invalidate for their own snapshot instead.
func (m *Manager) InvalidateAll() {
	m.cache.Clear()
}

// ListPartFiles lists the part-NNNNN files inside a partition
// directory, sorted by path (spec §4.9 pagination determinism).
func ListPartFiles(partitionDir string) ([]string, error) {
	entries, err := os.ReadDir(partitionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("layout: list %s: %w", partitionDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, filepath.Join(partitionDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
