// Package memory defines the data model and tier contract for the CNS
// memory system: entries, queries, per-layer metrics, and the Layer
// interface implemented by the four storage tiers.
package memory

import (
	"strings"
	"time"
)

// LayerID identifies one of the four storage tiers.
type LayerID string

const (
	LayerSession     LayerID = "session"     // L1: hot, uncompressed
	LayerContext     LayerID = "context"     // L2: semantically compressed
	LayerPatterns    LayerID = "patterns"    // L3: tag-indexed patterns
	LayerPredictions LayerID = "predictions" // L4: model-scored predictions
)

// AllLayers lists the tiers in order L1..L4.
var AllLayers = []LayerID{LayerSession, LayerContext, LayerPatterns, LayerPredictions}

// Valid reports whether l names a known tier.
func (l LayerID) Valid() bool {
	switch l {
	case LayerSession, LayerContext, LayerPatterns, LayerPredictions:
		return true
	}
	return false
}

// Metadata carries the bookkeeping attached to every entry.
type Metadata struct {
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	Accessed time.Time `json:"accessed"`
	Version  int       `json:"version"`
	Checksum string    `json:"checksum"`
	Tags     []string  `json:"tags,omitempty"`
}

// EntryMetrics tracks per-entry health and usage counters.
type EntryMetrics struct {
	RetentionRate    float64       `json:"retention_rate"`
	CompressionRatio float64       `json:"compression_ratio"`
	AccessTime       time.Duration `json:"access_time"`
	Accuracy         float64       `json:"accuracy,omitempty"`
	Size             int           `json:"size"`
	LastAccess       time.Time     `json:"last_access"`
	HitCount         int           `json:"hit_count"`
	MissCount        int           `json:"miss_count"`
}

// Entry is a single stored value plus its metadata and metrics.
// Layer never changes after creation; Version is bumped by every
// metadata-mutating heal or update.
type Entry struct {
	ID       string       `json:"id"`
	Key      string       `json:"key"`
	Value    any          `json:"value"`
	Layer    LayerID      `json:"layer"`
	TTL      time.Duration `json:"ttl,omitempty"` // 0 means no expiry
	Priority int          `json:"priority"`
	Metadata Metadata     `json:"metadata"`
	Metrics  EntryMetrics `json:"metrics"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.Metadata.Created) > e.TTL
}

// Touch records a hit at now.
func (e *Entry) Touch(now time.Time) {
	e.Metadata.Accessed = now
	e.Metrics.LastAccess = now
	e.Metrics.HitCount++
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// StoreOptions carries the optional knobs of a store call.
type StoreOptions struct {
	TTL      time.Duration
	Priority int // 0 means the tier's default
	Tags     []string
}

// Query filters entries. All provided filters must match (AND).
// Zero values mean "not filtered".
type Query struct {
	Layer   LayerID
	Key     string
	Pattern string // substring match on key
	Tags    []string
	Since   time.Time // created at or after
	Until   time.Time // created at or before
	Limit   int
	Offset  int
}

// Matches reports whether the entry satisfies every provided filter.
// Layer/Limit/Offset are the caller's concern.
func (q Query) Matches(e *Entry) bool {
	if q.Key != "" && e.Key != q.Key {
		return false
	}
	if q.Pattern != "" && !strings.Contains(e.Key, q.Pattern) {
		return false
	}
	for _, tag := range q.Tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	if !q.Since.IsZero() && e.Metadata.Created.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Metadata.Created.After(q.Until) {
		return false
	}
	return true
}

// Page applies Offset/Limit to a result slice.
func (q Query) Page(entries []*Entry) []*Entry {
	if q.Offset > 0 {
		if q.Offset >= len(entries) {
			return nil
		}
		entries = entries[q.Offset:]
	}
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return entries
}

// LayerMetrics is a live snapshot of one tier.
type LayerMetrics struct {
	Layer            LayerID   `json:"layer"`
	Entries          int       `json:"entries"`
	MaxEntries       int       `json:"max_entries"`
	Hits             int64     `json:"hits"`
	Misses           int64     `json:"misses"`
	Evictions        int64     `json:"evictions"`
	HitRate          float64   `json:"hit_rate"`
	RetentionRate    float64   `json:"retention_rate"`
	CompressionRatio float64   `json:"compression_ratio"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CompressionReport summarizes a tier-wide compress pass.
type CompressionReport struct {
	Layer        LayerID `json:"layer"`
	Compressed   int     `json:"compressed"`
	Merged       int     `json:"merged"`
	AverageRatio float64 `json:"average_ratio"`
}

// ValidationSummary is a tier's self-check result.
type ValidationSummary struct {
	Layer      LayerID  `json:"layer"`
	Checked    int      `json:"checked"`
	Failed     []string `json:"failed,omitempty"` // keys that failed
	Healthy    bool     `json:"healthy"`
	Accuracy   float64  `json:"accuracy,omitempty"` // L4 only
}

// HealReport summarizes a tier-wide heal pass.
type HealReport struct {
	Layer    LayerID `json:"layer"`
	Repaired int     `json:"repaired"`
	Removed  int     `json:"removed"`
}
