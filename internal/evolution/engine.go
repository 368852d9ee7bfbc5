// Package evolution tracks the fitness of abstract patterns as a
// lineage forest and evolves the population through selection,
// mutation, and crossover cycles with self-tuned parameters.
package evolution

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cnsd/internal/sched"
)

// Mutation operation kinds, chosen with fixed weights.
const (
	MutateAdd     = "add"
	MutateModify  = "modify"
	MutateRemove  = "remove"
	MutateCombine = "combine"
	MutateSplit   = "split"
)

// Pattern is one fitness-tracked unit with lineage. Generation is
// strictly greater than every parent's generation; ParentID always
// names a live pattern or is empty.
type Pattern struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Generation    int       `json:"generation"`
	Fitness       float64   `json:"fitness"` // in [0, 1]
	ParentID      string    `json:"parent_id,omitempty"`
	ChildrenIDs   []string  `json:"children_ids,omitempty"`
	Mutations     []string  `json:"mutations,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastEvolution time.Time `json:"last_evolution"`
}

// Config bounds the self-tuned evolution parameters.
type Config struct {
	MutationRate      float64 `yaml:"mutation_rate"`
	Pressure          float64 `yaml:"pressure"`
	SurvivalThreshold float64 `yaml:"survival_threshold"`
	CrossoverTopShare float64 `yaml:"crossover_top_share"`
	CrossoverChance   float64 `yaml:"crossover_chance"`
	MaxPopulation     int     `yaml:"max_population"`
}

// DefaultConfig returns the starting evolution parameters.
func DefaultConfig() Config {
	return Config{
		MutationRate:      0.15,
		Pressure:          0.5,
		SurvivalThreshold: 0.3,
		CrossoverTopShare: 0.3,
		CrossoverChance:   0.3,
		MaxPopulation:     500,
	}
}

// Parameter bounds for self-tuning.
const (
	minMutationRate      = 0.01
	maxMutationRate      = 0.5
	minPressure          = 0.1
	maxPressure          = 0.9
	minSurvivalThreshold = 0.1
	maxSurvivalThreshold = 0.7

	youngExemption     = time.Hour
	stagnationDeadline = 24 * time.Hour
)

// CycleReport summarizes one EvolvePatterns run.
type CycleReport struct {
	Removed    int `json:"removed"`
	Mutated    int `json:"mutated"`
	Offspring  int `json:"offspring"`
	Population int `json:"population"`
}

// Stats is a live view of the population.
type Stats struct {
	Population    int     `json:"population"`
	AvgFitness    float64 `json:"avg_fitness"`
	MaxGeneration int     `json:"max_generation"`
	Diversity     float64 `json:"diversity"`
	MutationRate  float64 `json:"mutation_rate"`
	Threshold     float64 `json:"survival_threshold"`
	Cycles        int     `json:"cycles"`
}

// Engine owns the pattern population. Independent of the storage tiers.
type Engine struct {
	mu       sync.Mutex
	patterns map[string]*Pattern
	cfg      Config

	cycles            int
	mutationSuccesses int
	mutationFailures  int

	rng    *rand.Rand
	clock  sched.Clock
	logger *zap.Logger
}

// NewEngine creates the evolution engine. Pass a seeded rng for
// reproducible cycles in tests.
func NewEngine(cfg Config, clock sched.Clock, rng *rand.Rand, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}
	return &Engine{
		patterns: make(map[string]*Pattern),
		cfg:      cfg,
		rng:      rng,
		clock:    clock,
		logger:   logger.Named("evolution"),
	}
}

// Track adds a new root pattern (or a child when parentID is set) and
// returns it. A child's generation is its parent's plus one.
func (e *Engine) Track(patternType string, fitness float64, parentID string) (*Pattern, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	generation := 1
	if parentID != "" {
		parent, ok := e.patterns[parentID]
		if !ok {
			return nil, fmt.Errorf("track pattern: parent %s not found", parentID)
		}
		generation = parent.Generation + 1
	}

	now := e.clock.Now()
	p := &Pattern{
		ID:            uuid.NewString(),
		Type:          patternType,
		Generation:    generation,
		Fitness:       clamp01(fitness),
		ParentID:      parentID,
		CreatedAt:     now,
		LastEvolution: now,
	}
	e.patterns[p.ID] = p
	if parentID != "" {
		e.patterns[parentID].ChildrenIDs = append(e.patterns[parentID].ChildrenIDs, p.ID)
	}
	return p, nil
}

// UpdateFitness nudges a pattern's fitness, clamped to [0, 1].
func (e *Engine) UpdateFitness(id string, delta float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[id]
	if !ok {
		return fmt.Errorf("update fitness: pattern %s not found", id)
	}
	p.Fitness = clamp01(p.Fitness + delta)
	return nil
}

// Get returns a copy of the pattern, false when absent.
func (e *Engine) Get(id string) (Pattern, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[id]
	if !ok {
		return Pattern{}, false
	}
	return *p, true
}

// EvolvePatterns runs one full cycle: selection, mutation, crossover,
// then parameter self-tuning.
func (e *Engine) EvolvePatterns(context.Context) (CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := CycleReport{}
	report.Removed = e.selectLocked()
	report.Mutated = e.mutateLocked()
	report.Offspring = e.crossoverLocked()
	report.Population = len(e.patterns)

	e.cycles++
	e.tuneLocked()

	e.logger.Debug("evolution cycle",
		zap.Int("removed", report.Removed),
		zap.Int("mutated", report.Mutated),
		zap.Int("offspring", report.Offspring),
		zap.Int("population", report.Population))
	return report, nil
}

// selectLocked removes patterns below the survival threshold. Exempt:
// patterns with a fitter child, patterns younger than an hour, patterns
// that evolved within the last day, and any pattern that still has
// children (extinction removes only leaves).
func (e *Engine) selectLocked() int {
	now := e.clock.Now()
	removed := 0
	for id, p := range e.patterns {
		if p.Fitness >= e.cfg.SurvivalThreshold {
			continue
		}
		// Extinction only removes leaves; a pattern with any child
		// stays so lineage references never dangle.
		if len(p.ChildrenIDs) > 0 {
			continue
		}
		if now.Sub(p.CreatedAt) < youngExemption {
			continue
		}
		if now.Sub(p.LastEvolution) < stagnationDeadline {
			continue
		}
		e.removeLocked(id)
		removed++
	}
	return removed
}

// removeLocked detaches the pattern from its parent so no live pattern
// ever references a missing one.
func (e *Engine) removeLocked(id string) {
	p := e.patterns[id]
	if p.ParentID != "" {
		if parent, ok := e.patterns[p.ParentID]; ok {
			kept := parent.ChildrenIDs[:0]
			for _, childID := range parent.ChildrenIDs {
				if childID != id {
					kept = append(kept, childID)
				}
			}
			parent.ChildrenIDs = kept
		}
	}
	delete(e.patterns, id)
}

// mutateLocked applies one weighted mutation per surviving pattern with
// probability MutationRate, recording success (fitness improved) or
// failure.
func (e *Engine) mutateLocked() int {
	now := e.clock.Now()
	mutated := 0
	for _, p := range e.patterns {
		if e.rng.Float64() >= e.cfg.MutationRate {
			continue
		}
		op := e.pickMutation()
		before := p.Fitness
		p.Fitness = clamp01(p.Fitness + (e.rng.Float64()-0.45)*0.2)
		p.Mutations = append(p.Mutations, op)
		p.LastEvolution = now
		mutated++
		if p.Fitness > before {
			e.mutationSuccesses++
		} else {
			e.mutationFailures++
		}
	}
	return mutated
}

// pickMutation draws an operation with weights .25/.35/.15/.15/.10.
func (e *Engine) pickMutation() string {
	r := e.rng.Float64()
	switch {
	case r < 0.25:
		return MutateAdd
	case r < 0.60:
		return MutateModify
	case r < 0.75:
		return MutateRemove
	case r < 0.90:
		return MutateCombine
	default:
		return MutateSplit
	}
}

// crossoverLocked pairs the top 30% by fitness sequentially; each pair
// produces an offspring with 30% probability. Offspring fitness is the
// parents' average with ±10% jitter; generation is one past the older
// lineage.
func (e *Engine) crossoverLocked() int {
	top := e.topByFitnessLocked(e.cfg.CrossoverTopShare)
	now := e.clock.Now()
	offspring := 0
	for i := 0; i+1 < len(top); i += 2 {
		if e.rng.Float64() >= e.cfg.CrossoverChance {
			continue
		}
		if e.cfg.MaxPopulation > 0 && len(e.patterns) >= e.cfg.MaxPopulation {
			break
		}
		p1, p2 := top[i], top[i+1]
		avg := (p1.Fitness + p2.Fitness) / 2
		jitter := (e.rng.Float64()*2 - 1) * 0.1 * avg
		fitter := p1
		if p2.Fitness > p1.Fitness {
			fitter = p2
		}
		child := &Pattern{
			ID:            uuid.NewString(),
			Type:          fitter.Type,
			Generation:    max(p1.Generation, p2.Generation) + 1,
			Fitness:       clamp01(avg + jitter),
			ParentID:      fitter.ID,
			CreatedAt:     now,
			LastEvolution: now,
		}
		e.patterns[child.ID] = child
		fitter.ChildrenIDs = append(fitter.ChildrenIDs, child.ID)
		offspring++
	}
	return offspring
}

func (e *Engine) topByFitnessLocked(share float64) []*Pattern {
	all := make([]*Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Fitness != all[j].Fitness {
			return all[i].Fitness > all[j].Fitness
		}
		return all[i].ID < all[j].ID
	})
	n := int(float64(len(all)) * share)
	if n < 2 && len(all) >= 2 {
		n = 2
	}
	return all[:n]
}

// tuneLocked adjusts mutation rate, pressure, and survival threshold
// within their bounds from the recent mutation success rate, population
// diversity, and average fitness.
func (e *Engine) tuneLocked() {
	total := e.mutationSuccesses + e.mutationFailures
	if total > 0 {
		successRate := float64(e.mutationSuccesses) / float64(total)
		e.cfg.MutationRate = clampRange(
			e.cfg.MutationRate+(successRate-0.5)*0.05,
			minMutationRate, maxMutationRate)
	}

	diversity := e.diversityLocked()
	// Low diversity eases the pressure so new variants can survive.
	e.cfg.Pressure = clampRange(
		e.cfg.Pressure+(diversity-0.5)*0.05,
		minPressure, maxPressure)

	avg := e.avgFitnessLocked()
	e.cfg.SurvivalThreshold = clampRange(
		e.cfg.SurvivalThreshold+(avg*0.8-e.cfg.SurvivalThreshold)*0.2,
		minSurvivalThreshold, maxSurvivalThreshold)
}

// diversityLocked is the Shannon entropy over pattern types, normalized
// to [0, 1].
func (e *Engine) diversityLocked() float64 {
	if len(e.patterns) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, p := range e.patterns {
		counts[p.Type]++
	}
	if len(counts) < 2 {
		return 0
	}
	total := float64(len(e.patterns))
	entropy := 0.0
	for _, n := range counts {
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(len(counts)))
}

func (e *Engine) avgFitnessLocked() float64 {
	if len(e.patterns) == 0 {
		return 0
	}
	var sum float64
	for _, p := range e.patterns {
		sum += p.Fitness
	}
	return sum / float64(len(e.patterns))
}

// AvgFitness is the population's mean fitness.
func (e *Engine) AvgFitness() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgFitnessLocked()
}

// Stats snapshots the population state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	maxGen := 0
	for _, p := range e.patterns {
		if p.Generation > maxGen {
			maxGen = p.Generation
		}
	}
	return Stats{
		Population:    len(e.patterns),
		AvgFitness:    e.avgFitnessLocked(),
		MaxGeneration: maxGen,
		Diversity:     e.diversityLocked(),
		MutationRate:  e.cfg.MutationRate,
		Threshold:     e.cfg.SurvivalThreshold,
		Cycles:        e.cycles,
	}
}

// Patterns returns a copy of the population.
func (e *Engine) Patterns() []Pattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, *p)
	}
	return out
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
