package tier

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"cnsd/internal/memory"
	"cnsd/internal/sched"
)

const (
	contextDefaultPriority = 50
	compressedTag          = "compressed"
)

// Context is the L2 tier. Values pass through the lossy semantic
// compression transform before storage; the original text is kept in a
// side cache solely for decompression and similarity search. Eviction
// drops the single entry with the lowest hits*priority/(idle+1) score
// per overflow event.
type Context struct {
	mu         sync.RWMutex
	entries    map[string]*memory.Entry
	originals  map[string]string
	maxSize    int
	stats      counters
	compressor *semanticCompressor
	clock      sched.Clock
	logger     *zap.Logger
}

// NewContext creates the L2 tier with the given capacity.
func NewContext(maxSize int, clock sched.Clock, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		entries:    make(map[string]*memory.Entry),
		originals:  make(map[string]string),
		maxSize:    maxSize,
		compressor: newSemanticCompressor(),
		clock:      clock,
		logger:     logger.Named("tier.context"),
	}
}

func (c *Context) ID() memory.LayerID { return memory.LayerContext }

func (c *Context) Store(_ context.Context, key string, value any, opts memory.StoreOptions) (*memory.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	original := originalText(value)
	compressed, ratio := c.compressor.compressValue(value, false)

	// Copy before appending so spare capacity in the caller's slice is
	// never written through.
	opts.Tags = append(append([]string(nil), opts.Tags...), compressedTag)
	entry, err := newEntry(memory.LayerContext, key, compressed, opts, contextDefaultPriority, c.clock.Now())
	if err != nil {
		return nil, err
	}
	entry.Metrics.CompressionRatio = ratio

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = entry
	c.originals[key] = original
	return entry, nil
}

func originalText(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	data, err := memory.Serialize(value)
	if err != nil {
		return ""
	}
	return string(data)
}

// evictLocked drops the entry with the lowest retention score:
// hitCount * priority / (secondsSinceAccess + 1).
func (c *Context) evictLocked() {
	now := c.clock.Now()
	var victimKey string
	victimScore := -1.0
	for key, e := range c.entries {
		idle := now.Sub(e.Metadata.Accessed).Seconds()
		score := float64(e.Metrics.HitCount) * float64(e.Priority) / (idle + 1)
		if victimScore < 0 || score < victimScore {
			victimScore = score
			victimKey = key
		}
	}
	if victimKey != "" {
		delete(c.entries, victimKey)
		delete(c.originals, victimKey)
		c.stats.evictions++
		c.logger.Debug("evicted context entry",
			zap.String("key", victimKey), zap.Float64("score", victimScore))
	}
}

func (c *Context) Retrieve(_ context.Context, key string) (*memory.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.misses++
		return nil, nil
	}
	now := c.clock.Now()
	if entry.Expired(now) {
		delete(c.entries, key)
		delete(c.originals, key)
		c.stats.misses++
		return nil, nil
	}
	entry.Touch(now)
	c.stats.hits++
	return entry, nil
}

// Original returns the uncompressed text kept for the key, supporting
// decompression on the read path.
func (c *Context) Original(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	text, ok := c.originals[key]
	return text, ok
}

// RetrieveByContext returns entries whose original text has a word-set
// Jaccard similarity to queryCtx above the threshold, sorted by
// descending priority.
func (c *Context) RetrieveByContext(_ context.Context, queryCtx string, threshold float64) ([]*memory.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var matches []*memory.Entry
	for key, original := range c.originals {
		entry, ok := c.entries[key]
		if !ok {
			continue
		}
		if jaccard(queryCtx, original) >= threshold {
			matches = append(matches, entry)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].Key < matches[j].Key
	})
	return matches, nil
}

func (c *Context) Query(_ context.Context, q memory.Query) ([]*memory.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return queryEntries(c.entries, q), nil
}

func (c *Context) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	delete(c.originals, key)
	return true, nil
}

func (c *Context) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memory.Entry)
	c.originals = make(map[string]string)
	return nil
}

func (c *Context) Metrics() memory.LayerMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return layerMetrics(memory.LayerContext, c.entries, c.maxSize, &c.stats, c.clock.Now())
}

// Compress re-runs the transform in aggressive mode over the retained
// originals, updating each entry's value and compression ratio.
func (c *Context) Compress(context.Context) (memory.CompressionReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := memory.CompressionReport{Layer: memory.LayerContext}
	now := c.clock.Now()
	var ratioSum float64
	for key, entry := range c.entries {
		original, ok := c.originals[key]
		if !ok {
			continue
		}
		compressed, ratio := c.compressor.compressText(original, true)
		checksum, err := memory.Checksum(compressed)
		if err != nil {
			continue
		}
		entry.Value = compressed
		entry.Metadata.Checksum = checksum
		entry.Metadata.Updated = now
		entry.Metadata.Version++
		entry.Metrics.CompressionRatio = ratio
		entry.Metrics.Size = len(compressed)
		report.Compressed++
		ratioSum += ratio
	}
	if report.Compressed > 0 {
		report.AverageRatio = ratioSum / float64(report.Compressed)
	}
	return report, nil
}

// Validate checks checksums and the compression invariants: every entry
// must carry the compressed tag and a ratio in (0, 1].
func (c *Context) Validate(context.Context) (memory.ValidationSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := memory.ValidationSummary{Layer: memory.LayerContext, Checked: len(c.entries)}
	for key, e := range c.entries {
		sum, err := memory.Checksum(e.Value)
		switch {
		case err != nil || sum != e.Metadata.Checksum:
			summary.Failed = append(summary.Failed, key)
		case !e.HasTag(compressedTag):
			summary.Failed = append(summary.Failed, key)
		case e.Metrics.CompressionRatio <= 0 || e.Metrics.CompressionRatio > 1:
			summary.Failed = append(summary.Failed, key)
		}
	}
	summary.Healthy = len(summary.Failed) == 0
	return summary, nil
}

func (c *Context) Heal(context.Context) (memory.HealReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := memory.HealReport{Layer: memory.LayerContext}
	now := c.clock.Now()
	for key, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, key)
			delete(c.originals, key)
			report.Removed++
			continue
		}
		repaired := false
		sum, err := memory.Checksum(e.Value)
		if err == nil && sum != e.Metadata.Checksum {
			e.Metadata.Checksum = sum
			repaired = true
		}
		if !e.HasTag(compressedTag) {
			e.Metadata.Tags = append(e.Metadata.Tags, compressedTag)
			repaired = true
		}
		if e.Metrics.CompressionRatio <= 0 || e.Metrics.CompressionRatio > 1 {
			e.Metrics.CompressionRatio = 1.0
			repaired = true
		}
		if repaired {
			e.Metadata.Updated = now
			e.Metadata.Version++
			report.Repaired++
		}
	}
	return report, nil
}

var _ memory.Layer = (*Context)(nil)
