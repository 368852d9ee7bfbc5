package tier

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"cnsd/internal/memory"
	"cnsd/internal/sched"
)

const (
	patternDefaultPriority = 60
	accessHistoryCap       = 10
	tagMergeThreshold      = 0.8
	bucketEvictFraction    = 0.2
)

var (
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	urlRe   = regexp.MustCompile(`^https?://`)
	dateRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
)

// AccessForecast is the outcome of PredictNextAccess.
type AccessForecast struct {
	Probability float64   `json:"probability"`
	EstimatedAt time.Time `json:"estimated_at"`
}

// Pattern is the L3 tier. Stores derive structural and content tags and
// feed an inverted index (tag -> keys) for constant-time tag lookup.
// Per-key access times back PredictNextAccess. Eviction drops the
// lowest-average-hit-rate 20% of tag buckets, cascading deletion of
// their member entries.
type Pattern struct {
	mu          sync.RWMutex
	entries     map[string]*memory.Entry
	tagIndex    map[string]map[string]struct{} // tag -> set of keys
	accessTimes map[string][]time.Time         // key -> recent accesses, cap 10
	maxSize     int
	stats       counters
	clock       sched.Clock
	logger      *zap.Logger
}

// NewPattern creates the L3 tier with the given capacity.
func NewPattern(maxSize int, clock sched.Clock, logger *zap.Logger) *Pattern {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pattern{
		entries:     make(map[string]*memory.Entry),
		tagIndex:    make(map[string]map[string]struct{}),
		accessTimes: make(map[string][]time.Time),
		maxSize:     maxSize,
		clock:       clock,
		logger:      logger.Named("tier.pattern"),
	}
}

func (p *Pattern) ID() memory.LayerID { return memory.LayerPatterns }

func (p *Pattern) Store(_ context.Context, key string, value any, opts memory.StoreOptions) (*memory.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	derived := deriveTags(value)
	opts.Tags = append(append([]string(nil), opts.Tags...), derived...)

	entry, err := newEntry(memory.LayerPatterns, key, value, opts, patternDefaultPriority, p.clock.Now())
	if err != nil {
		return nil, err
	}

	if old, exists := p.entries[key]; exists {
		p.unindexLocked(old)
	} else if len(p.entries) >= p.maxSize {
		p.evictBucketsLocked()
	}

	p.entries[key] = entry
	p.indexLocked(entry)
	return entry, nil
}

// deriveTags extracts structural and content tags from a value: its
// type, array/object shape, a size bucket, and content heuristics for
// string payloads.
func deriveTags(value any) []string {
	var tags []string
	switch v := value.(type) {
	case nil:
		tags = append(tags, "type:null")
	case string:
		tags = append(tags, "type:string")
		switch {
		case emailRe.MatchString(v):
			tags = append(tags, "content:email")
		case urlRe.MatchString(v):
			tags = append(tags, "content:url")
		case dateRe.MatchString(v):
			tags = append(tags, "content:date")
		case isNumericToken(v):
			tags = append(tags, "content:numeric")
		}
	case bool:
		tags = append(tags, "type:bool")
	case int, int32, int64, float32, float64:
		tags = append(tags, "type:number")
	case []any:
		tags = append(tags, "type:array", fmt.Sprintf("shape:len-%d", arrayBucket(len(v))))
	case map[string]any:
		tags = append(tags, "type:object")
		if isFlat(v) {
			tags = append(tags, "shape:flat")
		} else {
			tags = append(tags, "shape:nested")
		}
	default:
		tags = append(tags, "type:object")
	}

	size := memory.ValueSize(value)
	switch {
	case size < 256:
		tags = append(tags, "size:small")
	case size < 4096:
		tags = append(tags, "size:medium")
	default:
		tags = append(tags, "size:large")
	}
	return tags
}

func arrayBucket(n int) int {
	switch {
	case n <= 10:
		return 10
	case n <= 100:
		return 100
	default:
		return 1000
	}
}

func isFlat(m map[string]any) bool {
	for _, v := range m {
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func (p *Pattern) indexLocked(e *memory.Entry) {
	for _, tag := range e.Metadata.Tags {
		bucket, ok := p.tagIndex[tag]
		if !ok {
			bucket = make(map[string]struct{})
			p.tagIndex[tag] = bucket
		}
		bucket[e.Key] = struct{}{}
	}
}

func (p *Pattern) unindexLocked(e *memory.Entry) {
	for _, tag := range e.Metadata.Tags {
		if bucket, ok := p.tagIndex[tag]; ok {
			delete(bucket, e.Key)
			if len(bucket) == 0 {
				delete(p.tagIndex, tag)
			}
		}
	}
}

// evictBucketsLocked removes the lowest-average-hit-rate 20% of tag
// buckets and every entry they contain.
func (p *Pattern) evictBucketsLocked() {
	if len(p.tagIndex) == 0 {
		return
	}
	type bucketScore struct {
		tag   string
		score float64
	}
	scores := make([]bucketScore, 0, len(p.tagIndex))
	for tag, keys := range p.tagIndex {
		var hits, n int
		for key := range keys {
			if e, ok := p.entries[key]; ok {
				hits += e.Metrics.HitCount
				n++
			}
		}
		avg := 0.0
		if n > 0 {
			avg = float64(hits) / float64(n)
		}
		scores = append(scores, bucketScore{tag: tag, score: avg})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score < scores[j].score
		}
		return scores[i].tag < scores[j].tag
	})

	drop := int(math.Ceil(float64(len(scores)) * bucketEvictFraction))
	for _, bs := range scores[:drop] {
		keys := p.tagIndex[bs.tag]
		for key := range keys {
			if e, ok := p.entries[key]; ok {
				p.unindexLocked(e)
				delete(p.entries, key)
				delete(p.accessTimes, key)
				p.stats.evictions++
			}
		}
		delete(p.tagIndex, bs.tag)
	}
	p.logger.Debug("evicted pattern buckets", zap.Int("buckets", drop))
}

func (p *Pattern) Retrieve(_ context.Context, key string) (*memory.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok {
		p.stats.misses++
		return nil, nil
	}
	now := p.clock.Now()
	if entry.Expired(now) {
		p.unindexLocked(entry)
		delete(p.entries, key)
		delete(p.accessTimes, key)
		p.stats.misses++
		return nil, nil
	}
	entry.Touch(now)
	p.stats.hits++

	history := append(p.accessTimes[key], now)
	if len(history) > accessHistoryCap {
		history = history[len(history)-accessHistoryCap:]
	}
	p.accessTimes[key] = history
	return entry, nil
}

// KeysForTag answers the O(1) inverted-index lookup.
func (p *Pattern) KeysForTag(tag string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bucket := p.tagIndex[tag]
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// PredictNextAccess estimates when the key will next be read from its
// inter-access intervals: the mean interval sets the time, interval
// variance sets a consistency score, and recency scales the probability.
func (p *Pattern) PredictNextAccess(key string) AccessForecast {
	p.mu.RLock()
	defer p.mu.RUnlock()

	history := p.accessTimes[key]
	if len(history) < 2 {
		return AccessForecast{}
	}

	intervals := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		intervals = append(intervals, history[i].Sub(history[i-1]).Seconds())
	}
	var sum float64
	for _, iv := range intervals {
		sum += iv
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return AccessForecast{}
	}

	var variance float64
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	stddev := math.Sqrt(variance)

	consistency := 1.0 / (1.0 + stddev/mean)
	sinceLast := p.clock.Now().Sub(history[len(history)-1]).Seconds()
	recency := 1.0 / (1.0 + sinceLast/mean)

	return AccessForecast{
		Probability: clamp01(consistency * recency),
		EstimatedAt: history[len(history)-1].Add(time.Duration(mean * float64(time.Second))),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (p *Pattern) Query(_ context.Context, q memory.Query) ([]*memory.Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Tag queries resolve through the inverted index instead of a scan.
	if len(q.Tags) > 0 {
		candidates := p.tagIndex[q.Tags[0]]
		var out []*memory.Entry
		for key := range candidates {
			if e, ok := p.entries[key]; ok && q.Matches(e) {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority > out[j].Priority
			}
			return out[i].Key < out[j].Key
		})
		return q.Page(out), nil
	}
	return queryEntries(p.entries, q), nil
}

func (p *Pattern) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		return false, nil
	}
	p.unindexLocked(entry)
	delete(p.entries, key)
	delete(p.accessTimes, key)
	return true, nil
}

func (p *Pattern) Clear(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*memory.Entry)
	p.tagIndex = make(map[string]map[string]struct{})
	p.accessTimes = make(map[string][]time.Time)
	return nil
}

func (p *Pattern) Metrics() memory.LayerMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return layerMetrics(memory.LayerPatterns, p.entries, p.maxSize, &p.stats, p.clock.Now())
}

// Compress merges tag buckets whose tag strings are near-duplicates
// (character-bigram Jaccard above the merge threshold), keeping the
// shorter tag as canonical.
func (p *Pattern) Compress(context.Context) (memory.CompressionReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := memory.CompressionReport{Layer: memory.LayerPatterns}
	tags := make([]string, 0, len(p.tagIndex))
	for tag := range p.tagIndex {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	merged := make(map[string]bool)
	for i := 0; i < len(tags); i++ {
		if merged[tags[i]] {
			continue
		}
		for j := i + 1; j < len(tags); j++ {
			if merged[tags[j]] {
				continue
			}
			if tagSimilarity(tags[i], tags[j]) < tagMergeThreshold {
				continue
			}
			canonical, dup := tags[i], tags[j]
			if len(dup) < len(canonical) {
				canonical, dup = dup, canonical
			}
			for key := range p.tagIndex[dup] {
				p.tagIndex[canonical][key] = struct{}{}
			}
			delete(p.tagIndex, dup)
			merged[dup] = true
			report.Merged++
		}
	}
	report.AverageRatio = 1.0
	if len(tags) > 0 {
		report.AverageRatio = float64(len(tags)-report.Merged) / float64(len(tags))
	}
	return report, nil
}

// tagSimilarity is Jaccard over character bigrams of the two tags.
func tagSimilarity(a, b string) float64 {
	setA := bigrams(a)
	setB := bigrams(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for g := range setA {
		if _, ok := setB[g]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(setA)+len(setB)-inter)
}

func bigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for i := 0; i+2 <= len(s); i++ {
		set[s[i:i+2]] = struct{}{}
	}
	return set
}

func (p *Pattern) Validate(context.Context) (memory.ValidationSummary, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := memory.ValidationSummary{Layer: memory.LayerPatterns, Checked: len(p.entries)}
	for key, e := range p.entries {
		sum, err := memory.Checksum(e.Value)
		if err != nil || sum != e.Metadata.Checksum {
			summary.Failed = append(summary.Failed, key)
			continue
		}
		// Every entry must be reachable from the index.
		indexed := false
		for _, tag := range e.Metadata.Tags {
			if _, ok := p.tagIndex[tag][key]; ok {
				indexed = true
				break
			}
		}
		if !indexed {
			summary.Failed = append(summary.Failed, key)
		}
	}
	summary.Healthy = len(summary.Failed) == 0
	return summary, nil
}

func (p *Pattern) Heal(context.Context) (memory.HealReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := memory.HealReport{Layer: memory.LayerPatterns}
	now := p.clock.Now()
	for key, e := range p.entries {
		if e.Expired(now) {
			p.unindexLocked(e)
			delete(p.entries, key)
			delete(p.accessTimes, key)
			report.Removed++
			continue
		}
		repaired := false
		sum, err := memory.Checksum(e.Value)
		if err == nil && sum != e.Metadata.Checksum {
			e.Metadata.Checksum = sum
			repaired = true
		}
		indexed := false
		for _, tag := range e.Metadata.Tags {
			if _, ok := p.tagIndex[tag][key]; ok {
				indexed = true
				break
			}
		}
		if !indexed {
			p.indexLocked(e)
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

var _ memory.Layer = (*Pattern)(nil)
