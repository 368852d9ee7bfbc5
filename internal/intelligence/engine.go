// Package intelligence combines live signals from the other engines
// into a compound multiplier: four weighted components, a synergy table
// matched by bitset, and a boost wrapper that feeds operation outcomes
// back into component contributions.
package intelligence

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

// Component identifies one intelligence component as a bit, so sets of
// components are plain bitmasks.
type Component uint8

const (
	Contextual Component = 1 << iota
	Predictive
	Adaptive
	Collaborative
)

var componentNames = map[Component]string{
	Contextual:    "contextual",
	Predictive:    "predictive",
	Adaptive:      "adaptive",
	Collaborative: "collaborative",
}

func (c Component) String() string {
	if name, ok := componentNames[c]; ok {
		return name
	}
	return "unknown"
}

// componentSet is a bitmask of Components. A synergy pattern is active
// when its members are a subset of the currently performing components.
type componentSet uint8

func (s componentSet) has(c Component) bool { return s&componentSet(c) != 0 }

func (s componentSet) subsetOf(t componentSet) bool { return s&t == s }

const allComponents = componentSet(Contextual | Predictive | Adaptive | Collaborative)

const (
	historyCap       = 1000
	historyLow       = 500
	trailingWindow   = 10
	activeThreshold  = 0.6
	minWeight        = 0.1
	maxWeight        = 1.0
	contributionEMA  = 0.1
	reinforceMinEff  = 1.2
	reinforceMinFreq = 10
)

// Multiplier is one computed compound intelligence snapshot.
type Multiplier struct {
	BaseIntelligence float64            `json:"base_intelligence"`
	Multipliers      map[string]float64 `json:"multipliers"`
	TotalMultiplier  float64            `json:"total_multiplier"`
	Effectiveness    float64            `json:"effectiveness"`
	ComputedAt       time.Time          `json:"computed_at"`
}

// Sources are the live metric feeds that drive component performance.
// The manager wires these to the validation, predictive and evolution
// engines plus the tiers.
type Sources struct {
	ValidationSuccess func() float64
	PredictionHitRate func() float64
	EvolutionFitness  func() float64
	RetentionSymmetry func() float64
}

type componentState struct {
	id           Component
	weight       float64
	performance  float64
	contribution float64
	source       func() float64
	// boost applies when the raw metric crosses its threshold.
	boostAbove  float64
	boostFactor float64
}

type synergyPattern struct {
	name          string
	members       componentSet
	strength      float64
	effectiveness float64
	frequency     int
}

// OpKind distinguishes boost-wrapped operation shapes.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

// OpContext describes the operation a boost wraps.
type OpContext struct {
	Kind       OpKind
	Layer      memory.LayerID
	Complexity float64
}

// BoostResult reports how an operation was boosted.
type BoostResult struct {
	Multiplier float64
	Components []string
}

// Engine computes and maintains the compound intelligence multiplier.
type Engine struct {
	mu         sync.Mutex
	components map[Component]*componentState
	synergies  []*synergyPattern
	history    *memory.Ring[Multiplier]
	current    *Multiplier

	clock  sched.Clock
	logger *zap.Logger
}

// NewEngine creates the compound intelligence engine over the given
// metric sources.
func NewEngine(src Sources, clock sched.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		components: map[Component]*componentState{
			Contextual: {
				id: Contextual, weight: 0.8, contribution: 0.5,
				source: src.ValidationSuccess, boostAbove: 0.9, boostFactor: 1.1,
			},
			Predictive: {
				id: Predictive, weight: 0.7, contribution: 0.5,
				source: src.PredictionHitRate, boostAbove: 0.8, boostFactor: 1.1,
			},
			Adaptive: {
				id: Adaptive, weight: 0.6, contribution: 0.5,
				source: src.EvolutionFitness, boostAbove: 0.7, boostFactor: 1.05,
			},
			Collaborative: {
				id: Collaborative, weight: 0.5, contribution: 0.5,
				source: src.RetentionSymmetry, boostAbove: 0.85, boostFactor: 1.05,
			},
		},
		synergies: []*synergyPattern{
			{name: "context-prediction", members: componentSet(Contextual | Predictive), strength: 0.15, effectiveness: 1.0},
			{name: "predict-adapt", members: componentSet(Predictive | Adaptive), strength: 0.12, effectiveness: 1.0},
			{name: "adaptive-collaboration", members: componentSet(Adaptive | Collaborative), strength: 0.10, effectiveness: 1.0},
			{name: "learning-loop", members: componentSet(Contextual | Predictive | Adaptive), strength: 0.20, effectiveness: 1.0},
			{name: "full-stack", members: allComponents, strength: 0.25, effectiveness: 1.0},
		},
		history: memory.NewRing[Multiplier](historyCap, historyLow),
		clock:   clock,
		logger:  logger.Named("intelligence"),
	}
	return e
}

// Recompute pulls fresh performance from every source, derives the
// compound multiplier, and appends it to the history.
func (e *Engine) Recompute(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recomputeLocked()
	return nil
}

func (e *Engine) recomputeLocked() {
	active := componentSet(0)
	multipliers := make(map[string]float64, len(e.components))
	product := 1.0
	base := 0.0
	for id, c := range e.components {
		if c.source != nil {
			c.performance = clamp01(c.source())
		}
		m := 1 + c.performance*c.weight
		if c.boostAbove > 0 && c.performance > c.boostAbove {
			m *= c.boostFactor
		}
		multipliers[id.String()] = m
		product *= m
		base += c.performance
		if c.performance > activeThreshold {
			active |= componentSet(id)
		}
	}
	base /= float64(len(e.components))

	bonus := 0.0
	for _, p := range e.synergies {
		if !p.members.subsetOf(active) {
			continue
		}
		p.frequency++
		bonus += p.strength * p.effectiveness * normalizedFrequency(p.frequency)
	}

	total := product + bonus
	snap := Multiplier{
		BaseIntelligence: base,
		Multipliers:      multipliers,
		TotalMultiplier:  total,
		Effectiveness:    e.effectivenessLocked(total),
		ComputedAt:       e.clock.Now(),
	}
	e.history.Append(snap)
	e.current = &snap
}

// effectivenessLocked rates a multiplier against the trailing average,
// clamped to [0.5, 2.0]. The first sample rates 1.0.
func (e *Engine) effectivenessLocked(total float64) float64 {
	recent := e.history.Last(trailingWindow)
	if len(recent) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, m := range recent {
		sum += m.TotalMultiplier
	}
	avg := sum / float64(len(recent))
	if avg == 0 {
		return 1.0
	}
	eff := total / avg
	if eff < 0.5 {
		eff = 0.5
	}
	if eff > 2.0 {
		eff = 2.0
	}
	return eff
}

func normalizedFrequency(freq int) float64 {
	return float64(freq) / float64(freq+10)
}

// Current returns the latest multiplier snapshot, computing one on
// first use. The returned value is a copy.
func (e *Engine) Current() Multiplier {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		e.recomputeLocked()
	}
	return *e.current
}

// History returns up to n most recent multiplier snapshots,
// oldest-first.
func (e *Engine) History(n int) []Multiplier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Multiplier(nil), e.history.Last(n)...)
}

// relevantLocked selects the components an operation context touches.
func (e *Engine) relevantLocked(op OpContext) componentSet {
	set := componentSet(Contextual)
	if op.Kind == OpRead {
		set |= componentSet(Predictive)
	} else {
		set |= componentSet(Adaptive)
	}
	switch op.Layer {
	case memory.LayerPatterns:
		set |= componentSet(Adaptive)
	case memory.LayerPredictions:
		set |= componentSet(Predictive)
	}
	if op.Complexity > 0.5 {
		set |= componentSet(Collaborative)
	}
	return set
}

// ApplyBoost computes a context multiplier from the components the
// operation touches, runs the operation unchanged, and nudges each
// touched component's contribution toward the observed outcome.
func (e *Engine) ApplyBoost(op OpContext, fn func() error) (BoostResult, error) {
	e.mu.Lock()
	set := e.relevantLocked(op)
	mult := 1.0
	var names []string
	for id, c := range e.components {
		if !set.has(id) {
			continue
		}
		mult *= 1 + c.performance*c.weight*c.contribution
		names = append(names, id.String())
	}
	for _, p := range e.synergies {
		if p.members.subsetOf(set) && e.allPerformingLocked(p.members) {
			mult += p.strength * p.effectiveness
		}
	}
	sort.Strings(names)
	e.mu.Unlock()

	err := fn()

	outcome := 1.0
	if err != nil {
		outcome = 0.0
	}
	e.mu.Lock()
	for id, c := range e.components {
		if set.has(id) {
			c.contribution = (1-contributionEMA)*c.contribution + contributionEMA*outcome
		}
	}
	e.mu.Unlock()

	return BoostResult{Multiplier: mult, Components: names}, err
}

func (e *Engine) allPerformingLocked(members componentSet) bool {
	for id, c := range e.components {
		if members.has(id) && c.performance <= activeThreshold {
			return false
		}
	}
	return true
}

// Rebalance moves component weights toward a blend of performance and
// contribution, and reinforces synergy patterns that keep proving out.
func (e *Engine) Rebalance(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.components {
		target := 0.7*c.performance + 0.3*c.contribution
		if target < minWeight {
			target = minWeight
		}
		if target > maxWeight {
			target = maxWeight
		}
		c.weight = target
	}
	for _, p := range e.synergies {
		if p.effectiveness > reinforceMinEff && p.frequency > reinforceMinFreq {
			p.effectiveness = math.Min(p.effectiveness*1.05, 2.0)
		}
	}
	e.logger.Debug("rebalanced intelligence weights")
	return nil
}

// Register attaches the engine's background loops to the runner at the
// configured periods.
func (e *Engine) Register(runner *sched.Runner, recompute, rebalance time.Duration) {
	runner.Every("intelligence.recompute", recompute, e.Recompute)
	runner.Every("intelligence.rebalance", rebalance, e.Rebalance)
}

// Trend classifies the multiplier history direction over the last
// trailing window.
func (e *Engine) Trend() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	recent := e.history.Last(trailingWindow)
	if len(recent) < 4 {
		return "stable"
	}
	half := len(recent) / 2
	first, second := 0.0, 0.0
	for _, m := range recent[:half] {
		first += m.TotalMultiplier
	}
	for _, m := range recent[half:] {
		second += m.TotalMultiplier
	}
	first /= float64(half)
	second /= float64(len(recent) - half)
	switch {
	case second > first*1.05:
		return "improving"
	case second < first*0.95:
		return "declining"
	default:
		return "stable"
	}
}

// Stats summarizes component weights and synergy activity.
type Stats struct {
	Components map[string]ComponentStats `json:"components"`
	Synergies  map[string]SynergyStats   `json:"synergies"`
	History    int                       `json:"history"`
	Trend      string                    `json:"trend"`
}

type ComponentStats struct {
	Weight       float64 `json:"weight"`
	Performance  float64 `json:"performance"`
	Contribution float64 `json:"contribution"`
}

type SynergyStats struct {
	Strength      float64 `json:"strength"`
	Effectiveness float64 `json:"effectiveness"`
	Frequency     int     `json:"frequency"`
}

// Snapshot returns the engine's current component and synergy state.
func (e *Engine) Snapshot() Stats {
	trend := e.Trend()
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Components: make(map[string]ComponentStats, len(e.components)),
		Synergies:  make(map[string]SynergyStats, len(e.synergies)),
		History:    e.history.Len(),
		Trend:      trend,
	}
	for id, c := range e.components {
		s.Components[id.String()] = ComponentStats{
			Weight:       c.weight,
			Performance:  c.performance,
			Contribution: c.contribution,
		}
	}
	for _, p := range e.synergies {
		s.Synergies[p.name] = SynergyStats{
			Strength:      p.strength,
			Effectiveness: p.effectiveness,
			Frequency:     p.frequency,
		}
	}
	return s
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
