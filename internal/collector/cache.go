package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

const snapshotFile = "bars_cache.msgpack"

// cachedSeries is one memoized read-path result.
type cachedSeries struct {
	Start string            `msgpack:"start"`
	End   string            `msgpack:"end"`
	Bars  []domain.DailyBar `msgpack:"bars"`
}

// snapshotCache memoizes per-code bar series in memory and snapshots
// them to disk so a restart starts warm instead of hammering SQLite.
type snapshotCache struct {
	mu     sync.RWMutex
	series map[string]cachedSeries
	path   string
}

func newSnapshotCache(dataDir string) *snapshotCache {
	return &snapshotCache{
		series: make(map[string]cachedSeries),
		path:   filepath.Join(dataDir, snapshotFile),
	}
}

// get serves a cached series when it covers the requested window.
func (c *snapshotCache) get(code, start, end string) ([]domain.DailyBar, bool) {
	c.mu.RLock()
	entry, ok := c.series[code]
	c.mu.RUnlock()
	if !ok || entry.Start > start || entry.End < end {
		return nil, false
	}

	out := make([]domain.DailyBar, 0, len(entry.Bars))
	for i := range entry.Bars {
		if entry.Bars[i].Date >= start && entry.Bars[i].Date <= end {
			out = append(out, entry.Bars[i])
		}
	}
	return out, true
}

// put stores one series; a wider window replaces a narrower one.
func (c *snapshotCache) put(code, start, end string, bars []domain.DailyBar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.series[code]; ok && prev.Start <= start && prev.End >= end {
		return
	}
	c.series[code] = cachedSeries{Start: start, End: end, Bars: bars}
}

// len returns the number of codes with a warm series.
func (c *snapshotCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series)
}

// invalidate drops one code's cached series after a write.
func (c *snapshotCache) invalidate(code string) {
	c.mu.Lock()
	delete(c.series, code)
	c.mu.Unlock()
}

// save snapshots the cache to disk atomically.
func (c *snapshotCache) save() error {
	c.mu.RLock()
	data, err := msgpack.Marshal(c.series)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal bar snapshot: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write bar snapshot: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// load restores a previous snapshot; a missing file is not an error.
func (c *snapshotCache) load() (int, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	series := make(map[string]cachedSeries)
	if err := msgpack.Unmarshal(data, &series); err != nil {
		// Corrupt snapshot: discard rather than fail startup.
		os.Remove(c.path)
		return 0, nil
	}

	c.mu.Lock()
	c.series = series
	c.mu.Unlock()
	return len(series), nil
}
