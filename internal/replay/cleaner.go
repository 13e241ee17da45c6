package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"driftpursuit/movesync/internal/logging"
)

// RetentionPolicy defines how many trace bundles are kept on disk. Zero disables a limit.
type RetentionPolicy struct {
	MaxBundles int
	MaxAge     time.Duration
}

// StorageStats summarises the disk footprint of retained bundles.
type StorageStats struct {
	Bundles   int       `json:"bundles"`
	Bytes     int64     `json:"bytes"`
	Removed   int       `json:"removed"`
	LastSweep time.Time `json:"last_sweep"`
}

// Cleaner prunes bundle directories according to a retention policy. Directories without a
// manifest are left alone, as is the bundle reported by the active callback.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	active func() string
	stats  StorageStats
}

// NewCleaner constructs a cleaner for dir. active may be nil.
func NewCleaner(dir string, policy RetentionPolicy, active func() string, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now, active: active}
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the statistics of the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	bundles, err := c.collect()
	if err != nil {
		c.log.Warn("trace retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	active := ""
	if c.active != nil {
		active = filepath.Clean(c.active())
	}

	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, bundle := range bundles {
		//1.- The bundle being written always counts as kept.
		if bundle.path != active {
			if reason := c.removalReason(bundle, now, kept); reason != "" {
				if err := os.RemoveAll(bundle.path); err != nil {
					c.log.Warn("trace retention removal failed", logging.Error(err), logging.String("bundle", bundle.path))
				} else {
					c.log.Info("trace retention removed bundle", logging.String("bundle", bundle.path), logging.String("reason", reason))
					stats.Removed++
					continue
				}
			}
		}
		kept++
		stats.Bundles++
		stats.Bytes += bundle.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) collect() ([]bundleDir, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	bundles := make([]bundleDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		info, err := os.Stat(filepath.Join(path, manifestFile))
		if err != nil {
			continue
		}
		size, err := directorySize(path)
		if err != nil {
			c.log.Warn("trace retention size failed", logging.Error(err), logging.String("bundle", path))
			continue
		}
		bundles = append(bundles, bundleDir{path: filepath.Clean(path), size: size, modTime: info.ModTime()})
	}
	//1.- Newest first so the count limit favours recent traces.
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })
	return bundles, nil
}

func (c *Cleaner) removalReason(bundle bundleDir, now time.Time, kept int) string {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(bundle.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxBundles > 0 && kept >= c.policy.MaxBundles {
		reasons = append(reasons, fmt.Sprintf(">=%d bundles", c.policy.MaxBundles))
	}
	return strings.Join(reasons, ", ")
}

func directorySize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
