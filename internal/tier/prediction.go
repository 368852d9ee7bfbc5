package tier

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"cnsd/internal/memory"
	"cnsd/internal/sched"
)

const (
	predictionDefaultPriority = 40
	predictionCacheCap        = 100
	predictionMinAccuracy     = 0.7
	refitEvery                = 10
)

// Prediction is the result of scoring a feature vector.
type Prediction struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	ModelUsed  string  `json:"model_used"`
}

type cachedPrediction struct {
	Prediction
	at time.Time
}

// PredictionTier is the L4 tier. Every stored value is reduced to a
// feature vector; four model slots score vectors and the best-scoring
// model answers Predict. Eviction drops the lowest-accuracy quartile of
// entries.
type PredictionTier struct {
	mu      sync.RWMutex
	entries map[string]*memory.Entry
	models  []model
	cache   map[string]cachedPrediction
	maxSize int
	stores  int
	stats   counters
	clock   sched.Clock
	logger  *zap.Logger
}

// NewPrediction creates the L4 tier with the given capacity.
func NewPrediction(maxSize int, clock sched.Clock, logger *zap.Logger) *PredictionTier {
	if logger == nil {
		logger = zap.NewNop()
	}
	linear := newLinearModel()
	network := newNetworkModel()
	return &PredictionTier{
		entries: make(map[string]*memory.Entry),
		models: []model{
			linear,
			network,
			newEnsembleModel(linear, network),
			newSimilarityModel(),
		},
		cache:   make(map[string]cachedPrediction),
		maxSize: maxSize,
		clock:   clock,
		logger:  logger.Named("tier.prediction"),
	}
}

func (p *PredictionTier) ID() memory.LayerID { return memory.LayerPredictions }

// target is the signal every model scores an entry against.
func target(e *memory.Entry) float64 {
	return clamp01(float64(e.Priority) / 100.0)
}

func (p *PredictionTier) Store(_ context.Context, key string, value any, opts memory.StoreOptions) (*memory.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := newEntry(memory.LayerPredictions, key, value, opts, predictionDefaultPriority, p.clock.Now())
	if err != nil {
		return nil, err
	}

	if _, exists := p.entries[key]; !exists && len(p.entries) >= p.maxSize {
		p.evictQuartileLocked()
	}
	p.entries[key] = entry

	// Score the fresh entry so eviction has a per-entry accuracy.
	features := extractFeatures(value)
	pred := p.predictLocked(features)
	entry.Metrics.Accuracy = clamp01(1.0 - math.Abs(pred.Value-target(entry)))

	p.stores++
	if p.stores%refitEvery == 0 {
		p.refitLocked()
	}
	return entry, nil
}

// evictQuartileLocked removes the lowest-accuracy 25% of entries.
func (p *PredictionTier) evictQuartileLocked() {
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := p.entries[keys[i]], p.entries[keys[j]]
		if a.Metrics.Accuracy != b.Metrics.Accuracy {
			return a.Metrics.Accuracy < b.Metrics.Accuracy
		}
		return keys[i] < keys[j]
	})
	drop := len(keys) / 4
	if drop == 0 {
		drop = 1
	}
	for _, key := range keys[:drop] {
		delete(p.entries, key)
		p.stats.evictions++
	}
	p.logger.Debug("evicted prediction entries", zap.Int("count", drop))
}

func (p *PredictionTier) refitLocked() {
	samples := make([]sample, 0, len(p.entries))
	for _, e := range p.entries {
		samples = append(samples, sample{features: extractFeatures(e.Value), target: target(e)})
	}
	now := p.clock.Now()
	for _, m := range p.models {
		m.fit(samples, now)
	}
	// Model outputs changed; cached predictions are stale.
	p.cache = make(map[string]cachedPrediction)
}

// Predict scores the feature vector with the best currently-ranked
// model. Results are cached by quantized signature; on overflow the
// lowest-confidence half of the cache is dropped.
func (p *PredictionTier) Predict(features []float64) Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predictLocked(features)
}

func (p *PredictionTier) predictLocked(features []float64) Prediction {
	sig := quantizeFeatures(features)
	if cached, ok := p.cache[sig]; ok {
		return cached.Prediction
	}

	now := p.clock.Now()
	var best model
	bestScore := -1.0
	for _, m := range p.models {
		score := modelScore(m, now)
		if score > bestScore {
			bestScore = score
			best = m
		}
	}

	pred := Prediction{
		Value:      best.predict(features),
		Confidence: clamp01(bestScore),
		ModelUsed:  best.name(),
	}

	if len(p.cache) >= predictionCacheCap {
		p.evictCacheLocked()
	}
	p.cache[sig] = cachedPrediction{Prediction: pred, at: now}
	return pred
}

// modelScore ranks a model: accuracy, decayed by training staleness,
// boosted by how much training data backs it.
func modelScore(m model, now time.Time) float64 {
	staleness := 1.0
	if !m.lastTrained().IsZero() {
		ageMinutes := now.Sub(m.lastTrained()).Minutes()
		staleness = math.Exp(-ageMinutes / 60.0)
	} else {
		staleness = 0.5
	}
	dataBonus := 1.0 + math.Min(float64(m.trainingSize()), 100)/200.0
	return m.accuracy() * staleness * dataBonus
}

// evictCacheLocked drops the lowest-confidence half of cached predictions.
func (p *PredictionTier) evictCacheLocked() {
	type slot struct {
		sig        string
		confidence float64
	}
	slots := make([]slot, 0, len(p.cache))
	for sig, c := range p.cache {
		slots = append(slots, slot{sig: sig, confidence: c.Confidence})
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].confidence != slots[j].confidence {
			return slots[i].confidence < slots[j].confidence
		}
		return slots[i].sig < slots[j].sig
	})
	for _, s := range slots[:len(slots)/2] {
		delete(p.cache, s.sig)
	}
}

func (p *PredictionTier) Retrieve(_ context.Context, key string) (*memory.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok {
		p.stats.misses++
		return nil, nil
	}
	now := p.clock.Now()
	if entry.Expired(now) {
		delete(p.entries, key)
		p.stats.misses++
		return nil, nil
	}
	entry.Touch(now)
	p.stats.hits++
	return entry, nil
}

func (p *PredictionTier) Query(_ context.Context, q memory.Query) ([]*memory.Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return queryEntries(p.entries, q), nil
}

func (p *PredictionTier) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	return true, nil
}

func (p *PredictionTier) Clear(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*memory.Entry)
	p.cache = make(map[string]cachedPrediction)
	return nil
}

func (p *PredictionTier) Metrics() memory.LayerMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return layerMetrics(memory.LayerPredictions, p.entries, p.maxSize, &p.stats, p.clock.Now())
}

// Compress refits the models against the current population and compacts
// the prediction cache.
func (p *PredictionTier) Compress(context.Context) (memory.CompressionReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := len(p.cache)
	p.refitLocked()
	return memory.CompressionReport{
		Layer:        memory.LayerPredictions,
		Compressed:   before,
		AverageRatio: 1.0,
	}, nil
}

// Validate replays every stored entry through the predictor and requires
// an aggregate accuracy of at least 0.7.
func (p *PredictionTier) Validate(context.Context) (memory.ValidationSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	summary := memory.ValidationSummary{Layer: memory.LayerPredictions, Checked: len(p.entries)}
	if len(p.entries) == 0 {
		summary.Healthy = true
		summary.Accuracy = 1.0
		return summary, nil
	}

	var accSum float64
	for key, e := range p.entries {
		if sum, err := memory.Checksum(e.Value); err != nil || sum != e.Metadata.Checksum {
			summary.Failed = append(summary.Failed, key)
			continue
		}
		pred := p.predictLocked(extractFeatures(e.Value))
		acc := clamp01(1.0 - math.Abs(pred.Value-target(e)))
		e.Metrics.Accuracy = acc
		accSum += acc
	}
	summary.Accuracy = accSum / float64(len(p.entries))
	summary.Healthy = len(summary.Failed) == 0 && summary.Accuracy >= predictionMinAccuracy
	return summary, nil
}

func (p *PredictionTier) Heal(context.Context) (memory.HealReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := memory.HealReport{Layer: memory.LayerPredictions}
	now := p.clock.Now()
	for key, e := range p.entries {
		if e.Expired(now) {
			delete(p.entries, key)
			report.Removed++
			continue
		}
		sum, err := memory.Checksum(e.Value)
		if err == nil && sum != e.Metadata.Checksum {
			e.Metadata.Checksum = sum
			e.Metadata.Updated = now
			e.Metadata.Version++
			report.Repaired++
		}
	}
	// Healing low aggregate accuracy means refitting the models.
	p.refitLocked()
	return report, nil
}

var _ memory.Layer = (*PredictionTier)(nil)
