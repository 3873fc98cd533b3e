package notice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
)

type (
	// Recent keeps notices in memory for a limited time so they can be
	// listed by the status api. Nothing is written to disk.
	Recent struct {
		cache *bigcache.BigCache
	}
)

const (
	DefaultRetention = 10 * time.Minute
	// maxRecentMB bounds the memory used by Recent regardless of traffic.
	maxRecentMB = 16
)

func NewRecent(retention time.Duration) (*Recent, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cfg := bigcache.DefaultConfig(retention)
	cfg.HardMaxCacheSize = maxRecentMB
	cfg.CleanWindow = retention / 2
	cache, err := bigcache.NewBigCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("notice: unable to create cache, cause %w", err)
	}
	return &Recent{cache: cache}, nil
}

func (r *Recent) Record(ctx context.Context, n Notice) error {
	buf, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notice: unable to encode notice %v, cause %w", n.ID, err)
	}
	return r.cache.Set(n.ID, buf)
}

// List returns at most limit notices, newest first. A non-positive limit
// returns everything still retained.
func (r *Recent) List(limit int) ([]Notice, error) {
	var out []Notice
	it := r.cache.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			// entry evicted while iterating
			continue
		}
		var n Notice
		if err := json.Unmarshal(entry.Value(), &n); err != nil {
			return nil, fmt.Errorf("notice: corrupted entry %v, cause %w", entry.Key(), err)
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.After(out[j].At)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Recent) Close() error {
	return r.cache.Close()
}
