package replay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"driftpursuit/movesync/internal/logging"
)

func writeBundle(t *testing.T, root, name string, modTime time.Time, size int) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := filepath.Join(dir, manifestFile)
	if err := os.WriteFile(manifest, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.Chtimes(manifest, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return dir
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanerEnforcesMaxBundles(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	alpha := writeBundle(t, root, "alpha", now.Add(-3*time.Hour), 64)
	bravo := writeBundle(t, root, "bravo", now.Add(-2*time.Hour), 32)
	charlie := writeBundle(t, root, "charlie", now.Add(-time.Hour), 48)

	cleaner := NewCleaner(root, RetentionPolicy{MaxBundles: 2}, nil, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	if exists(alpha) || !exists(bravo) || !exists(charlie) {
		t.Fatalf("unexpected retention result")
	}
	stats := cleaner.Stats()
	if stats.Bundles != 2 || stats.Removed != 1 || stats.Bytes != 80 || !stats.LastSweep.Equal(now) {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCleanerPrunesByAgeButKeepsActive(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 7, 16, 9, 0, 0, 0, time.UTC)
	stale := writeBundle(t, root, "stale", now.Add(-72*time.Hour), 8)
	active := writeBundle(t, root, "active", now.Add(-96*time.Hour), 8)
	fresh := writeBundle(t, root, "fresh", now.Add(-time.Hour), 8)
	//1.- Directories without a manifest are not bundles.
	foreign := filepath.Join(root, "notes")
	if err := os.MkdirAll(foreign, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cleaner := NewCleaner(root, RetentionPolicy{MaxAge: 36 * time.Hour}, func() string { return active }, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	if exists(stale) {
		t.Fatalf("stale bundle survived")
	}
	if !exists(active) || !exists(fresh) || !exists(foreign) {
		t.Fatalf("cleaner removed a protected directory")
	}
}
