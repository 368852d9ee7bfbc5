// Package tier implements the four storage tiers behind the memory.Layer
// contract: Session (L1), Context (L2), Pattern (L3) and Prediction (L4).
// Each tier exclusively owns its entry map and side indexes behind a
// single RWMutex; background loops go through the same locked methods as
// foreground calls.
package tier

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"cnsd/internal/memory"
)

func newEntry(layer memory.LayerID, key string, value any, opts memory.StoreOptions, defaultPriority int, now time.Time) (*memory.Entry, error) {
	checksum, err := memory.Checksum(value)
	if err != nil {
		return nil, fmt.Errorf("store %s/%s: %w", layer, key, err)
	}
	priority := opts.Priority
	if priority == 0 {
		priority = defaultPriority
	}
	return &memory.Entry{
		ID:       uuid.NewString(),
		Key:      key,
		Value:    value,
		Layer:    layer,
		TTL:      opts.TTL,
		Priority: priority,
		Metadata: memory.Metadata{
			Created:  now,
			Updated:  now,
			Accessed: now,
			Version:  1,
			Checksum: checksum,
			Tags:     append([]string(nil), opts.Tags...),
		},
		Metrics: memory.EntryMetrics{
			RetentionRate:    1.0,
			CompressionRatio: 1.0,
			Size:             memory.ValueSize(value),
			LastAccess:       now,
		},
	}, nil
}

// counters aggregates the tier-level hit/miss/eviction tallies shared by
// all four implementations. Callers hold the tier lock.
type counters struct {
	hits      int64
	misses    int64
	evictions int64
}

func (c *counters) hitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func layerMetrics(layer memory.LayerID, entries map[string]*memory.Entry, maxEntries int, c *counters, now time.Time) memory.LayerMetrics {
	var ratioSum, retentionSum float64
	for _, e := range entries {
		ratioSum += e.Metrics.CompressionRatio
		retentionSum += e.Metrics.RetentionRate
	}
	m := memory.LayerMetrics{
		Layer:      layer,
		Entries:    len(entries),
		MaxEntries: maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		HitRate:    c.hitRate(),
		UpdatedAt:  now,
	}
	if len(entries) > 0 {
		m.CompressionRatio = ratioSum / float64(len(entries))
		m.RetentionRate = retentionSum / float64(len(entries))
	}
	return m
}

func queryEntries(entries map[string]*memory.Entry, q memory.Query) []*memory.Entry {
	var out []*memory.Entry
	for _, e := range entries {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Key < out[j].Key
	})
	return q.Page(out)
}
