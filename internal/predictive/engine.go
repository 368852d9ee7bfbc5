// Package predictive learns access sequences and prefetches entries
// ahead of demand: four independent candidate models, a TTL-bound
// preload cache, and background preload/retrain loops.
package predictive

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cnsd/internal/memory"
	"cnsd/internal/sched"
)

const (
	sequenceCap      = 50
	sequenceTrim     = 10
	preloadThreshold = 0.7
	preloadBatch     = 5
	retrainChance    = 0.01
	retrainWindow    = 1000
)

// Model names reported on predictions.
const (
	ModelSequential = "sequential"
	ModelFrequency  = "frequency"
	ModelContextual = "contextual"
	ModelTemporal   = "temporal"
)

// AccessContext identifies who is accessing what from where. Its
// signature keys the learned access patterns.
type AccessContext struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Route     string `json:"route,omitempty"`
	Action    string `json:"action,omitempty"`
}

func (c AccessContext) signature() string {
	return strings.Join([]string{c.UserID, c.SessionID, c.Route, c.Action}, "|")
}

// words returns the non-empty context fields for overlap scoring.
func (c AccessContext) words() []string {
	var out []string
	for _, f := range []string{c.UserID, c.SessionID, c.Route, c.Action} {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// AccessPattern is one learned sequence of key accesses for a context
// signature.
type AccessPattern struct {
	Sequence   []string      `json:"sequence"`
	Frequency  int           `json:"frequency"`
	LastAccess time.Time     `json:"last_access"`
	Context    AccessContext `json:"context"`
}

// Prediction is one prefetch candidate.
type Prediction struct {
	Key         string         `json:"key"`
	Layer       memory.LayerID `json:"layer"`
	Probability float64        `json:"probability"`
	Model       string         `json:"model"`
}

type preloadEntry struct {
	entry     *memory.Entry
	expiresAt time.Time
}

type preloadJob struct {
	key   string
	layer memory.LayerID
}

// Config tunes the predictive engine.
type Config struct {
	PreloadTTL     time.Duration `yaml:"preload_ttl"`
	MaxPredictions int           `yaml:"max_predictions"`
	QueueCap       int           `yaml:"queue_cap"`
}

// DefaultConfig returns the standard predictive tuning.
func DefaultConfig() Config {
	return Config{
		PreloadTTL:     30 * time.Second,
		MaxPredictions: 10,
		QueueCap:       64,
	}
}

// Stats is a live view of the engine.
type Stats struct {
	Patterns      int                `json:"patterns"`
	PreloadHits   int64              `json:"preload_hits"`
	PreloadMisses int64              `json:"preload_misses"`
	HitRate       float64            `json:"hit_rate"`
	QueueDepth    int                `json:"queue_depth"`
	ModelAccuracy map[string]float64 `json:"model_accuracy"`
}

// Engine learns access patterns and serves predictively loaded reads.
type Engine struct {
	mu           sync.Mutex
	cfg          Config
	patterns     map[string]*AccessPattern
	keyFrequency map[string]int
	keyLayers    map[string]memory.LayerID
	hourCounts   map[string]*[24]int
	dayCounts    map[string]*[7]int
	preload      map[string]preloadEntry
	queue        []preloadJob
	accuracy     map[string]float64

	hits   int64
	misses int64

	resolver memory.Resolver
	group    singleflight.Group
	retrains sync.WaitGroup
	rng      *rand.Rand
	clock    sched.Clock
	logger   *zap.Logger
}

// NewEngine creates the predictive loading engine. The resolver is how
// preloads reach the tiers; engines never hold tier maps directly.
func NewEngine(cfg Config, resolver memory.Resolver, clock sched.Clock, rng *rand.Rand, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}
	return &Engine{
		cfg:          cfg,
		patterns:     make(map[string]*AccessPattern),
		keyFrequency: make(map[string]int),
		keyLayers:    make(map[string]memory.LayerID),
		hourCounts:   make(map[string]*[24]int),
		dayCounts:    make(map[string]*[7]int),
		preload:      make(map[string]preloadEntry),
		accuracy: map[string]float64{
			ModelSequential: 0.7,
			ModelFrequency:  0.6,
			ModelContextual: 0.6,
			ModelTemporal:   0.5,
		},
		resolver: resolver,
		rng:      rng,
		clock:    clock,
		logger:   logger.Named("predictive"),
	}
}

// RecordAccess learns one access. With a small probability it schedules
// an asynchronous retrain pass.
func (e *Engine) RecordAccess(key string, layer memory.LayerID, actx AccessContext) {
	e.mu.Lock()
	now := e.clock.Now()
	sig := actx.signature()
	p, ok := e.patterns[sig]
	if !ok {
		p = &AccessPattern{Context: actx}
		e.patterns[sig] = p
	}
	p.Sequence = append(p.Sequence, key)
	if len(p.Sequence) > sequenceCap {
		p.Sequence = p.Sequence[sequenceTrim:]
	}
	p.Frequency++
	p.LastAccess = now

	e.keyFrequency[key]++
	e.keyLayers[key] = layer
	hc, ok := e.hourCounts[key]
	if !ok {
		hc = &[24]int{}
		e.hourCounts[key] = hc
	}
	hc[now.Hour()]++
	dc, ok := e.dayCounts[key]
	if !ok {
		dc = &[7]int{}
		e.dayCounts[key] = dc
	}
	dc[int(now.Weekday())]++

	retrain := e.rng.Float64() < retrainChance
	e.mu.Unlock()

	if retrain {
		e.retrains.Add(1)
		go func() {
			defer e.retrains.Done()
			e.retrain()
		}()
	}
}

// GetWithPredictiveLoading serves a read through the preload cache. On
// a preload hit the tier is short-circuited; on a miss the tier answers
// and the top predictions are queued for background preloading.
func (e *Engine) GetWithPredictiveLoading(ctx context.Context, key string, layer memory.LayerID, actx AccessContext) (*memory.Entry, error) {
	now := e.clock.Now()
	e.mu.Lock()
	if cached, ok := e.preload[key]; ok && cached.expiresAt.After(now) {
		e.hits++
		e.mu.Unlock()
		e.RecordAccess(key, layer, actx)
		return cached.entry, nil
	}
	e.misses++
	e.mu.Unlock()

	tier, err := e.resolver.Layer(layer)
	if err != nil {
		return nil, fmt.Errorf("predictive load %s: %w", key, err)
	}
	entry, err := tier.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}
	e.RecordAccess(key, layer, actx)

	for _, pred := range e.Predictions(actx) {
		if pred.Probability > preloadThreshold {
			e.enqueue(preloadJob{key: pred.Key, layer: pred.Layer})
		}
	}
	return entry, nil
}

func (e *Engine) enqueue(job preloadJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) >= e.cfg.QueueCap {
		return
	}
	for _, queued := range e.queue {
		if queued.key == job.key {
			return
		}
	}
	e.queue = append(e.queue, job)
}

// Predictions merges the candidates of all four models, deduplicated by
// key keeping the highest probability, sorted descending and capped.
func (e *Engine) Predictions(actx AccessContext) []Prediction {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := make(map[string]Prediction)
	for _, pred := range e.sequentialLocked(actx) {
		mergeMax(merged, pred)
	}
	for _, pred := range e.frequencyLocked() {
		mergeMax(merged, pred)
	}
	for _, pred := range e.contextualLocked(actx) {
		mergeMax(merged, pred)
	}
	for _, pred := range e.temporalLocked() {
		mergeMax(merged, pred)
	}

	out := make([]Prediction, 0, len(merged))
	for _, pred := range merged {
		out = append(out, pred)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > e.cfg.MaxPredictions {
		out = out[:e.cfg.MaxPredictions]
	}
	return out
}

func mergeMax(merged map[string]Prediction, pred Prediction) {
	if existing, ok := merged[pred.Key]; !ok || pred.Probability > existing.Probability {
		merged[pred.Key] = pred
	}
}

// Register attaches the engine's background loops to the runner: model
// cache regeneration every 30s, preload draining every 5s.
func (e *Engine) Register(runner *sched.Runner) {
	runner.Every("predictive.regen", 30*time.Second, e.regenerate)
	runner.Every("predictive.preload", 5*time.Second, e.drainPreloads)
}

// regenerate expires dead preload entries and refreshes the engine's
// derived state.
func (e *Engine) regenerate(context.Context) error {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, cached := range e.preload {
		if !cached.expiresAt.After(now) {
			delete(e.preload, key)
		}
	}
	return nil
}

// drainPreloads executes up to preloadBatch queued preload jobs,
// deduplicated through singleflight.
func (e *Engine) drainPreloads(ctx context.Context) error {
	e.mu.Lock()
	n := len(e.queue)
	if n > preloadBatch {
		n = preloadBatch
	}
	jobs := append([]preloadJob(nil), e.queue[:n]...)
	e.queue = e.queue[n:]
	e.mu.Unlock()

	for _, job := range jobs {
		job := job
		_, err, _ := e.group.Do(job.key, func() (any, error) {
			tier, err := e.resolver.Layer(job.layer)
			if err != nil {
				return nil, err
			}
			entry, err := tier.Retrieve(ctx, job.key)
			if err != nil || entry == nil {
				return nil, err
			}
			e.mu.Lock()
			e.preload[job.key] = preloadEntry{
				entry:     entry,
				expiresAt: e.clock.Now().Add(e.cfg.PreloadTTL),
			}
			e.mu.Unlock()
			return entry, nil
		})
		if err != nil {
			e.logger.Debug("preload failed", zap.String("key", job.key), zap.Error(err))
		}
	}
	return nil
}

// retrain slides the training window to the most recent patterns and
// nudges each model's accuracy by a small bounded random walk. This is
// a heuristic stand-in for real training, kept for parity with the
// system's self-tuning loops.
func (e *Engine) retrain() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.patterns) > retrainWindow {
		type aged struct {
			sig  string
			last time.Time
		}
		all := make([]aged, 0, len(e.patterns))
		for sig, p := range e.patterns {
			all = append(all, aged{sig: sig, last: p.LastAccess})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].last.After(all[j].last) })
		for _, a := range all[retrainWindow:] {
			delete(e.patterns, a.sig)
		}
	}

	for name := range e.accuracy {
		nudge := (e.rng.Float64()*2 - 1) * 0.05
		acc := e.accuracy[name] + nudge
		if acc < 0.3 {
			acc = 0.3
		}
		if acc > 0.95 {
			acc = 0.95
		}
		e.accuracy[name] = acc
	}
	e.logger.Debug("predictive retrain", zap.Int("patterns", len(e.patterns)))
}

// Optimize runs a full retrain and expires stale preloads. Used by the
// manager's optimize pass in addition to the chance-scheduled retrains.
func (e *Engine) Optimize(ctx context.Context) error {
	e.retrain()
	return e.regenerate(ctx)
}

// Close waits for any in-flight retrain goroutines.
func (e *Engine) Close() {
	e.retrains.Wait()
}

// CacheHitRate is the preload cache hit ratio, 0 before any reads.
func (e *Engine) CacheHitRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.hits + e.misses
	if total == 0 {
		return 0
	}
	return float64(e.hits) / float64(total)
}

// Stats snapshots the engine.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	acc := make(map[string]float64, len(e.accuracy))
	for k, v := range e.accuracy {
		acc[k] = v
	}
	s := Stats{
		Patterns:      len(e.patterns),
		PreloadHits:   e.hits,
		PreloadMisses: e.misses,
		QueueDepth:    len(e.queue),
		ModelAccuracy: acc,
	}
	if total := e.hits + e.misses; total > 0 {
		s.HitRate = float64(e.hits) / float64(total)
	}
	return s
}
