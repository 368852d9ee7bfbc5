// Package manager is the facade over the four memory tiers and the
// four maintenance engines. Every public operation dispatches to the
// target tier(s), is appended to a bounded operation log, and consults
// the feature gates at call time so gates flipped at runtime take
// effect on the next call.
package manager

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cnsd/internal/config"
	"cnsd/internal/evolution"
	"cnsd/internal/intelligence"
	"cnsd/internal/memory"
	"cnsd/internal/predictive"
	"cnsd/internal/sched"
	"cnsd/internal/telemetry"
	"cnsd/internal/tier"
	"cnsd/internal/validation"
)

const (
	oplogCap   = 10000
	oplogLow   = 5000
	loadWindow = time.Minute
	loadCap    = 1000
)

// OpRecord is one logged manager operation.
type OpRecord struct {
	Op     string         `json:"op"`
	Key    string         `json:"key,omitempty"`
	Layer  memory.LayerID `json:"layer,omitempty"`
	At     time.Time      `json:"at"`
	Failed bool           `json:"failed,omitempty"`
}

// Manager coordinates the tiers and engines behind one API.
type Manager struct {
	mu    sync.Mutex
	cfg   *config.Config
	oplog *memory.Ring[OpRecord]

	tiers    map[memory.LayerID]memory.Layer
	session  *tier.Session
	context  *tier.Context
	patterns *tier.Pattern
	preds    *tier.PredictionTier

	validator *validation.Engine
	evolver   *evolution.Engine
	loader    *predictive.Engine
	intel     *intelligence.Engine

	tel    *telemetry.Telemetry
	runner *sched.Runner
	clock  sched.Clock
	logger *zap.Logger
}

// New builds the tiers and engines. All engines are constructed
// regardless of gates; gates select neutral paths at call time.
// math/rand.Rand is not safe for concurrent use and the evolution and
// predictive engines serialize behind different mutexes, so each gets
// its own generator derived from the caller's seed.
func New(cfg *config.Config, clock sched.Clock, rng *rand.Rand, tel *telemetry.Telemetry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}
	evolveRNG := rand.New(rand.NewSource(rng.Int63()))
	loaderRNG := rand.New(rand.NewSource(rng.Int63()))
	m := &Manager{
		cfg:    cfg,
		oplog:  memory.NewRing[OpRecord](oplogCap, oplogLow),
		tel:    tel,
		runner: sched.NewRunner(clock, logger),
		clock:  clock,
		logger: logger.Named("manager"),
	}

	m.session = tier.NewSession(cfg.Tiers.SessionMaxSize, clock, logger)
	m.context = tier.NewContext(cfg.Tiers.ContextMaxSize, clock, logger)
	m.patterns = tier.NewPattern(cfg.Tiers.PatternsMaxSize, clock, logger)
	m.preds = tier.NewPrediction(cfg.Tiers.PredictionsMaxSize, clock, logger)
	m.tiers = map[memory.LayerID]memory.Layer{
		memory.LayerSession:     m.session,
		memory.LayerContext:     m.context,
		memory.LayerPatterns:    m.patterns,
		memory.LayerPredictions: m.preds,
	}

	m.validator = validation.NewEngine(clock, logger)
	m.evolver = evolution.NewEngine(evolution.DefaultConfig(), clock, evolveRNG, logger)
	m.loader = predictive.NewEngine(predictive.DefaultConfig(), m, clock, loaderRNG, logger)
	m.intel = intelligence.NewEngine(intelligence.Sources{
		ValidationSuccess: m.validator.SuccessRate,
		PredictionHitRate: m.loader.CacheHitRate,
		EvolutionFitness:  m.evolver.AvgFitness,
		RetentionSymmetry: m.retentionSymmetry,
	}, clock, logger)

	return m
}

// Layer resolves a tier by ID. Manager is the memory.Resolver the
// predictive engine preloads through.
func (m *Manager) Layer(id memory.LayerID) (memory.Layer, error) {
	l, ok := m.tiers[id]
	if !ok {
		return nil, memory.LayerNotFound(id)
	}
	return l, nil
}

func (m *Manager) features() config.FeatureConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Features
}

// ApplyConfig swaps the live configuration. Used by the file watcher.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.logger.Info("configuration applied", zap.Bool("predictive", cfg.Features.EnablePredictiveLoading))
}

func (m *Manager) logOp(op, key string, layer memory.LayerID, err error) {
	m.mu.Lock()
	m.oplog.Append(OpRecord{Op: op, Key: key, Layer: layer, At: m.clock.Now(), Failed: err != nil})
	m.mu.Unlock()
	if m.tel != nil && m.features().MetricsCollection {
		m.tel.CountOp(op, err)
	}
}

// OperationLog returns up to n most recent operations, oldest-first.
func (m *Manager) OperationLog(n int) []OpRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OpRecord(nil), m.oplog.Last(n)...)
}

// complexity rates a value in [0,1] by serialized size.
func complexity(value any) float64 {
	c := float64(memory.ValueSize(value)) / 4096
	if c > 1 {
		c = 1
	}
	return c
}

// Store writes an entry to the target tier, boost-wrapped when the
// intelligence gate is on. Stores into the patterns tier additionally
// feed the evolution population.
func (m *Manager) Store(ctx context.Context, layer memory.LayerID, key string, value any, opts memory.StoreOptions) (*memory.Entry, error) {
	l, err := m.Layer(layer)
	if err != nil {
		m.logOp("store", key, layer, err)
		return nil, err
	}

	var entry *memory.Entry
	op := func() error {
		var storeErr error
		entry, storeErr = l.Store(ctx, key, value, opts)
		return storeErr
	}

	feats := m.features()
	if feats.EnableIntelligenceMultiplier {
		_, err = m.intel.ApplyBoost(intelligence.OpContext{
			Kind:       intelligence.OpWrite,
			Layer:      layer,
			Complexity: complexity(value),
		}, op)
	} else {
		err = op()
	}
	m.logOp("store", key, layer, err)
	if err != nil {
		return nil, err
	}

	if layer == memory.LayerPatterns && feats.EnableEvolution {
		fitness := float64(entry.Priority) / 100
		if _, trackErr := m.evolver.Track(patternType(entry), fitness, ""); trackErr != nil {
			m.logger.Debug("pattern tracking failed", zap.String("key", key), zap.Error(trackErr))
		}
	}
	return entry, nil
}

// patternType picks the most specific derived tag as the evolution
// pattern type.
func patternType(e *memory.Entry) string {
	for _, prefix := range []string{"content:", "type:", "shape:"} {
		for _, tag := range e.Metadata.Tags {
			if len(tag) > len(prefix) && tag[:len(prefix)] == prefix {
				return tag
			}
		}
	}
	return "generic"
}

// Retrieve reads an entry. With predictive loading enabled the call
// delegates entirely to the predictive engine and skips boost
// instrumentation; that asymmetry with Store is deliberate, the preload
// path carries its own measurement.
func (m *Manager) Retrieve(ctx context.Context, layer memory.LayerID, key string, actx predictive.AccessContext) (*memory.Entry, error) {
	feats := m.features()
	if feats.EnablePredictiveLoading {
		entry, err := m.loader.GetWithPredictiveLoading(ctx, key, layer, actx)
		m.logOp("retrieve", key, layer, err)
		return entry, err
	}

	l, err := m.Layer(layer)
	if err != nil {
		m.logOp("retrieve", key, layer, err)
		return nil, err
	}

	var entry *memory.Entry
	op := func() error {
		var getErr error
		entry, getErr = l.Retrieve(ctx, key)
		return getErr
	}
	if feats.EnableIntelligenceMultiplier {
		_, err = m.intel.ApplyBoost(intelligence.OpContext{Kind: intelligence.OpRead, Layer: layer}, op)
	} else {
		err = op()
	}
	m.logOp("retrieve", key, layer, err)
	return entry, err
}

// Query searches one tier or all of them. With predictive loading on,
// the tiers named by live predictions for the caller's context are
// consulted first; the full scan only runs when they come up empty.
func (m *Manager) Query(ctx context.Context, q memory.Query, actx predictive.AccessContext) ([]*memory.Entry, error) {
	targets := m.queryTargets(q)

	if m.features().EnablePredictiveLoading && q.Layer == "" {
		if narrowed := m.predictedTargets(actx); len(narrowed) > 0 {
			if results, err := m.scan(ctx, narrowed, q); err == nil && len(results) > 0 {
				m.logOp("query", q.Key, q.Layer, nil)
				return results, nil
			}
		}
	}

	results, err := m.scan(ctx, targets, q)
	m.logOp("query", q.Key, q.Layer, err)
	return results, err
}

func (m *Manager) queryTargets(q memory.Query) []memory.Layer {
	if q.Layer != "" {
		if l, ok := m.tiers[q.Layer]; ok {
			return []memory.Layer{l}
		}
		return nil
	}
	ordered := make([]memory.Layer, 0, len(m.tiers))
	for _, id := range []memory.LayerID{memory.LayerSession, memory.LayerContext, memory.LayerPatterns, memory.LayerPredictions} {
		ordered = append(ordered, m.tiers[id])
	}
	return ordered
}

func (m *Manager) predictedTargets(actx predictive.AccessContext) []memory.Layer {
	seen := make(map[memory.LayerID]bool)
	var out []memory.Layer
	for _, pred := range m.loader.Predictions(actx) {
		if seen[pred.Layer] {
			continue
		}
		seen[pred.Layer] = true
		if l, ok := m.tiers[pred.Layer]; ok {
			out = append(out, l)
		}
	}
	return out
}

// scan queries each target, isolating per-tier failures, and merges
// results sorted by priority.
func (m *Manager) scan(ctx context.Context, targets []memory.Layer, q memory.Query) ([]*memory.Entry, error) {
	if len(targets) == 0 {
		return nil, memory.LayerNotFound(q.Layer)
	}
	page := q
	page.Offset = 0
	page.Limit = 0

	var merged []*memory.Entry
	for _, l := range targets {
		entries, err := l.Query(ctx, page)
		if err != nil {
			m.logger.Warn("tier query failed", zap.String("tier", string(l.ID())), zap.Error(err))
			continue
		}
		merged = append(merged, entries...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Priority != merged[j].Priority {
			return merged[i].Priority > merged[j].Priority
		}
		return merged[i].Key < merged[j].Key
	})
	return q.Page(merged), nil
}

// DeleteResult names the tiers a delete touched.
type DeleteResult struct {
	Deleted bool             `json:"deleted"`
	Tiers   []memory.LayerID `json:"tiers,omitempty"`
}

// Delete removes a key from one tier, or from every tier when layer is
// empty, reporting which tiers were affected.
func (m *Manager) Delete(ctx context.Context, layer memory.LayerID, key string) (DeleteResult, error) {
	var res DeleteResult
	if layer != "" {
		l, err := m.Layer(layer)
		if err != nil {
			m.logOp("delete", key, layer, err)
			return res, err
		}
		ok, err := l.Delete(ctx, key)
		m.logOp("delete", key, layer, err)
		if err != nil {
			return res, err
		}
		if ok {
			res.Deleted = true
			res.Tiers = []memory.LayerID{layer}
		}
		return res, nil
	}

	for _, id := range []memory.LayerID{memory.LayerSession, memory.LayerContext, memory.LayerPatterns, memory.LayerPredictions} {
		ok, err := m.tiers[id].Delete(ctx, key)
		if err != nil {
			m.logger.Warn("tier delete failed", zap.String("tier", string(id)), zap.Error(err))
			continue
		}
		if ok {
			res.Deleted = true
			res.Tiers = append(res.Tiers, id)
		}
	}
	m.logOp("delete", key, "", nil)
	return res, nil
}

// Clear empties one tier, or every tier when layer is empty.
func (m *Manager) Clear(ctx context.Context, layer memory.LayerID) error {
	if layer != "" {
		l, err := m.Layer(layer)
		if err != nil {
			m.logOp("clear", "", layer, err)
			return err
		}
		err = l.Clear(ctx)
		m.logOp("clear", "", layer, err)
		return err
	}
	for _, l := range m.tiers {
		if err := l.Clear(ctx); err != nil {
			m.logOp("clear", "", "", err)
			return err
		}
	}
	m.logOp("clear", "", "", nil)
	return nil
}

// Compress runs one tier's compression, or every tier's when layer is
// empty. In the fan-out case unsupported tiers are skipped rather than
// failing the batch.
func (m *Manager) Compress(ctx context.Context, layer memory.LayerID) ([]memory.CompressionReport, error) {
	if layer != "" {
		l, err := m.Layer(layer)
		if err != nil {
			m.logOp("compress", "", layer, err)
			return nil, err
		}
		report, err := l.Compress(ctx)
		m.logOp("compress", "", layer, err)
		if err != nil {
			return nil, err
		}
		return []memory.CompressionReport{report}, nil
	}

	var reports []memory.CompressionReport
	for _, id := range []memory.LayerID{memory.LayerSession, memory.LayerContext, memory.LayerPatterns, memory.LayerPredictions} {
		report, err := m.tiers[id].Compress(ctx)
		if err != nil {
			m.logger.Debug("tier compression skipped", zap.String("tier", string(id)), zap.Error(err))
			continue
		}
		reports = append(reports, report)
	}
	m.logOp("compress", "", "", nil)
	return reports, nil
}

// RetrieveByContext searches the context tier by semantic similarity.
func (m *Manager) RetrieveByContext(ctx context.Context, queryCtx string, threshold float64) ([]*memory.Entry, error) {
	entries, err := m.context.RetrieveByContext(ctx, queryCtx, threshold)
	m.logOp("retrieve_by_context", "", memory.LayerContext, err)
	return entries, err
}

// ForecastAccess predicts the next access time of a patterns-tier key.
func (m *Manager) ForecastAccess(key string) tier.AccessForecast {
	return m.patterns.PredictNextAccess(key)
}

// TierReport pairs a tier's validation result with any healing done.
type TierReport struct {
	Validation validation.LayerResult `json:"validation"`
	Heal       *memory.HealReport     `json:"heal,omitempty"`
}

// ValidateAndHeal validates every tier through the rule engine and,
// when auto-healing is on and a tier needs it, runs that tier's heal
// pass. Per-tier failures never abort the batch. With the validation
// gate off this is a no-op.
func (m *Manager) ValidateAndHeal(ctx context.Context) (map[memory.LayerID]TierReport, error) {
	feats := m.features()
	reports := make(map[memory.LayerID]TierReport)
	if !feats.EnableValidation {
		return reports, nil
	}

	for _, id := range []memory.LayerID{memory.LayerSession, memory.LayerContext, memory.LayerPatterns, memory.LayerPredictions} {
		l := m.tiers[id]
		result, err := m.validator.ValidateLayer(ctx, l)
		if err != nil {
			m.logger.Warn("tier validation failed", zap.String("tier", string(id)), zap.Error(err))
			continue
		}
		report := TierReport{Validation: result}
		if feats.AutoHealing && healingRequired(result) {
			heal, healErr := l.Heal(ctx)
			if healErr != nil {
				m.logger.Warn("tier healing failed", zap.String("tier", string(id)), zap.Error(healErr))
			} else {
				report.Heal = &heal
			}
		}
		reports[id] = report
	}
	m.logOp("validate_heal", "", "", nil)
	return reports, nil
}

func healingRequired(result validation.LayerResult) bool {
	for _, r := range result.Failing {
		if r.HealingRequired {
			return true
		}
	}
	return false
}

// OptimizeReport collects what each optimization pass did.
type OptimizeReport struct {
	Evolution       *evolution.CycleReport `json:"evolution,omitempty"`
	Predictive      *predictive.Stats      `json:"predictive,omitempty"`
	Intelligence    *intelligence.Stats    `json:"intelligence,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
}

// Optimize runs the evolution cycle, predictive retraining and
// intelligence rebalancing concurrently. A failure in one sub-engine is
// logged and surfaced as a recommendation without aborting the others.
func (m *Manager) Optimize(ctx context.Context) (OptimizeReport, error) {
	feats := m.features()
	var report OptimizeReport
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if feats.EnableEvolution {
		g.Go(func() error {
			cycle, err := m.evolver.EvolvePatterns(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn("evolution cycle failed", zap.Error(err))
				report.Recommendations = append(report.Recommendations, "evolution cycle failed: "+err.Error())
				return nil
			}
			report.Evolution = &cycle
			if cycle.Removed > cycle.Offspring {
				report.Recommendations = append(report.Recommendations, "population shrinking, consider lowering survival threshold")
			}
			return nil
		})
	}
	if feats.EnablePredictiveLoading {
		g.Go(func() error {
			if err := m.loader.Optimize(gctx); err != nil {
				m.logger.Warn("predictive optimize failed", zap.Error(err))
				mu.Lock()
				report.Recommendations = append(report.Recommendations, "predictive optimize failed: "+err.Error())
				mu.Unlock()
				return nil
			}
			stats := m.loader.Stats()
			mu.Lock()
			report.Predictive = &stats
			if stats.HitRate < 0.3 && stats.PreloadHits+stats.PreloadMisses > 100 {
				report.Recommendations = append(report.Recommendations, "preload hit rate low, consider a longer preload TTL")
			}
			mu.Unlock()
			return nil
		})
	}
	if feats.EnableIntelligenceMultiplier {
		g.Go(func() error {
			if err := m.intel.Recompute(gctx); err != nil {
				return nil
			}
			if err := m.intel.Rebalance(gctx); err != nil {
				m.logger.Warn("intelligence rebalance failed", zap.Error(err))
				return nil
			}
			snap := m.intel.Snapshot()
			mu.Lock()
			report.Intelligence = &snap
			if snap.Trend == "declining" {
				report.Recommendations = append(report.Recommendations, "intelligence multiplier declining")
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	m.logOp("optimize", "", "", err)
	return report, err
}

// Snapshot merges live tier metrics with engine statistics.
type Snapshot struct {
	Tiers         map[memory.LayerID]memory.LayerMetrics `json:"tiers"`
	Validation    validation.Trend                       `json:"validation_trend"`
	Evolution     evolution.Stats                        `json:"evolution"`
	Predictive    predictive.Stats                       `json:"predictive"`
	Intelligence  *intelligence.Multiplier               `json:"intelligence,omitempty"`
	OverallHealth float64                                `json:"overall_health"`
	SystemLoad    float64                                `json:"system_load"`
	Operations    int                                    `json:"operations"`
	At            time.Time                              `json:"at"`
}

// Metrics assembles the full system snapshot and derives overall
// health and load.
func (m *Manager) Metrics(context.Context) Snapshot {
	snap := Snapshot{
		Tiers:      make(map[memory.LayerID]memory.LayerMetrics, len(m.tiers)),
		Validation: m.validator.TrendOverHistory(),
		Evolution:  m.evolver.Stats(),
		Predictive: m.loader.Stats(),
		At:         m.clock.Now(),
	}
	for id, l := range m.tiers {
		snap.Tiers[id] = l.Metrics()
	}
	snap.Intelligence = m.CurrentIntelligence()
	snap.OverallHealth = m.overallHealth(snap.Tiers)
	snap.SystemLoad = m.systemLoad()

	m.mu.Lock()
	snap.Operations = m.oplog.Len()
	m.mu.Unlock()

	m.logOp("metrics", "", "", nil)
	return snap
}

// CurrentIntelligence returns the compound multiplier, or nil when the
// intelligence gate is off.
func (m *Manager) CurrentIntelligence() *intelligence.Multiplier {
	if !m.features().EnableIntelligenceMultiplier {
		return nil
	}
	current := m.intel.Current()
	return &current
}

// overallHealth blends tier retention and size pressure with the
// validation success rate.
func (m *Manager) overallHealth(tiers map[memory.LayerID]memory.LayerMetrics) float64 {
	if len(tiers) == 0 {
		return 0
	}
	tierHealth := 0.0
	for _, tm := range tiers {
		pressure := 0.0
		if tm.MaxEntries > 0 {
			pressure = float64(tm.Entries) / float64(tm.MaxEntries)
		}
		tierHealth += 0.6*tm.RetentionRate + 0.4*(1-pressure)
	}
	tierHealth /= float64(len(tiers))
	return 0.5*tierHealth + 0.5*m.validator.SuccessRate()
}

// systemLoad counts operations in the trailing minute, normalized and
// capped at 1.
func (m *Manager) systemLoad() float64 {
	cutoff := m.clock.Now().Add(-loadWindow)
	m.mu.Lock()
	defer m.mu.Unlock()
	recent := 0
	for _, op := range m.oplog.Last(loadCap) {
		if op.At.After(cutoff) {
			recent++
		}
	}
	load := float64(recent) / loadCap
	if load > 1 {
		load = 1
	}
	return load
}

// retentionSymmetry rates how evenly the tiers retain, 1.0 when all
// retention rates match.
func (m *Manager) retentionSymmetry() float64 {
	rates := make([]float64, 0, len(m.tiers))
	mean := 0.0
	for _, l := range m.tiers {
		r := l.Metrics().RetentionRate
		rates = append(rates, r)
		mean += r
	}
	mean /= float64(len(rates))
	if mean == 0 {
		return 1
	}
	variance := 0.0
	for _, r := range rates {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rates))
	sym := 1 - math.Sqrt(variance)/mean
	if sym < 0 {
		sym = 0
	}
	return sym
}

// Start registers the background loops: periodic metrics snapshots,
// the full optimize pass, the validate-and-heal sweep, plus each
// engine's own loops. Loops consult the gates when they fire.
func (m *Manager) Start() {
	m.mu.Lock()
	intervals := m.cfg.Intervals
	m.mu.Unlock()

	m.runner.Every("manager.metrics", intervals.Metrics, func(ctx context.Context) error {
		snap := m.Metrics(ctx)
		m.publish(snap)
		return nil
	})
	m.runner.Every("manager.optimize", intervals.Optimize, func(ctx context.Context) error {
		_, err := m.Optimize(ctx)
		return err
	})
	m.runner.Every("manager.validate_heal", intervals.ValidateHeal, func(ctx context.Context) error {
		_, err := m.ValidateAndHeal(ctx)
		return err
	})
	m.runner.Every("evolution.cycle", intervals.Evolution, func(ctx context.Context) error {
		if !m.features().EnableEvolution {
			return nil
		}
		_, err := m.evolver.EvolvePatterns(ctx)
		return err
	})
	m.loader.Register(m.runner)
	m.intel.Register(m.runner, intervals.Recompute, intervals.Rebalance)
}

func (m *Manager) publish(snap Snapshot) {
	if m.tel == nil || !m.features().MetricsCollection {
		return
	}
	for id, tm := range snap.Tiers {
		m.tel.ObserveTier(id, tm)
	}
	multiplier := 1.0
	if snap.Intelligence != nil {
		multiplier = snap.Intelligence.TotalMultiplier
	}
	m.tel.ObserveEngines(m.validator.SuccessRate(), snap.Predictive.HitRate, snap.Evolution.AvgFitness, multiplier)
	m.tel.ObserveHealth(snap.OverallHealth, snap.SystemLoad)
}

// Close stops the background loops and waits for the predictive
// engine's retrain goroutines.
func (m *Manager) Close() error {
	m.runner.Close()
	m.loader.Close()
	return nil
}

// Evolver exposes the evolution engine for direct pattern tracking.
func (m *Manager) Evolver() *evolution.Engine { return m.evolver }

// String identifies the manager in logs.
func (m *Manager) String() string {
	return fmt.Sprintf("manager(%d tiers)", len(m.tiers))
}
