package tier

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"cnsd/internal/memory"
	"cnsd/internal/sched"
)

const sessionDefaultPriority = 100

// Session is the L1 tier: uncompressed hot storage with maximal
// retention. Eviction drops the entry with the lowest hit count,
// tie-broken by oldest access.
type Session struct {
	mu      sync.RWMutex
	entries map[string]*memory.Entry
	maxSize int
	stats   counters
	clock   sched.Clock
	logger  *zap.Logger
}

// NewSession creates the L1 tier with the given capacity.
func NewSession(maxSize int, clock sched.Clock, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		entries: make(map[string]*memory.Entry),
		maxSize: maxSize,
		clock:   clock,
		logger:  logger.Named("tier.session"),
	}
}

func (s *Session) ID() memory.LayerID { return memory.LayerSession }

func (s *Session) Store(_ context.Context, key string, value any, opts memory.StoreOptions) (*memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := newEntry(memory.LayerSession, key, value, opts, sessionDefaultPriority, s.clock.Now())
	if err != nil {
		return nil, err
	}

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evictLocked()
	}
	s.entries[key] = entry
	return entry, nil
}

// evictLocked removes the entry with the lowest hit count, breaking ties
// by oldest access time.
func (s *Session) evictLocked() {
	var victim *memory.Entry
	for _, e := range s.entries {
		if victim == nil {
			victim = e
			continue
		}
		if e.Metrics.HitCount < victim.Metrics.HitCount ||
			(e.Metrics.HitCount == victim.Metrics.HitCount &&
				e.Metadata.Accessed.Before(victim.Metadata.Accessed)) {
			victim = e
		}
	}
	if victim != nil {
		delete(s.entries, victim.Key)
		s.stats.evictions++
		s.logger.Debug("evicted session entry",
			zap.String("key", victim.Key), zap.Int("hits", victim.Metrics.HitCount))
	}
}

func (s *Session) Retrieve(_ context.Context, key string) (*memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.stats.misses++
		return nil, nil
	}
	now := s.clock.Now()
	if entry.Expired(now) {
		delete(s.entries, key)
		s.stats.misses++
		s.logger.Debug("expired session entry", zap.String("key", key))
		return nil, nil
	}
	entry.Touch(now)
	s.stats.hits++
	return entry, nil
}

func (s *Session) Query(_ context.Context, q memory.Query) ([]*memory.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(s.entries, q), nil
}

func (s *Session) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *Session) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*memory.Entry)
	return nil
}

func (s *Session) Metrics() memory.LayerMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return layerMetrics(memory.LayerSession, s.entries, s.maxSize, &s.stats, s.clock.Now())
}

// Compress is unsupported on the session tier. The failure is explicit
// so callers cannot mistake it for a completed pass.
func (s *Session) Compress(context.Context) (memory.CompressionReport, error) {
	return memory.CompressionReport{}, memory.ErrUnsupportedOperation
}

// Validate recomputes every checksum; the tier is healthy only at a
// 100% match rate.
func (s *Session) Validate(context.Context) (memory.ValidationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := memory.ValidationSummary{Layer: memory.LayerSession, Checked: len(s.entries)}
	for key, e := range s.entries {
		sum, err := memory.Checksum(e.Value)
		if err != nil || sum != e.Metadata.Checksum {
			summary.Failed = append(summary.Failed, key)
		}
	}
	summary.Healthy = len(summary.Failed) == 0
	return summary, nil
}

// Heal recomputes mismatched checksums and bumps the entry version.
func (s *Session) Heal(context.Context) (memory.HealReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := memory.HealReport{Layer: memory.LayerSession}
	now := s.clock.Now()
	for key, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, key)
			report.Removed++
			continue
		}
		sum, err := memory.Checksum(e.Value)
		if err != nil {
			continue // unrepairable, best effort
		}
		if sum != e.Metadata.Checksum {
			e.Metadata.Checksum = sum
			e.Metadata.Updated = now
			e.Metadata.Version++
			report.Repaired++
		}
	}
	return report, nil
}

var _ memory.Layer = (*Session)(nil)
