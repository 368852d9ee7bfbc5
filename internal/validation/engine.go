// Package validation implements the rule-based integrity engine: named
// weighted rules checked per entry, layer-level health aggregation with
// a rolling history, and best-effort keyword-dispatched healing.
package validation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cnsd/internal/memory"
	"cnsd/internal/sched"
)

// healthyRatio is the share of individually valid entries a layer needs
// to be declared healthy. Exactly 80% valid counts as healthy.
const healthyRatio = 0.8

// Issue is one failed rule on one entry. Issues are reported signals,
// never errors.
type Issue struct {
	Rule       string  `json:"rule"`
	Message    string  `json:"message"`
	Confidence float64 `json:"confidence"`
}

// Result aggregates every applicable rule over a single entry.
type Result struct {
	Key             string   `json:"key"`
	IsValid         bool     `json:"is_valid"`
	Confidence      float64  `json:"confidence"`
	Issues          []Issue  `json:"issues,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
	HealingRequired bool     `json:"healing_required"`
}

// LayerResult is a full pass over one tier.
type LayerResult struct {
	Layer      memory.LayerID `json:"layer"`
	Checked    int            `json:"checked"`
	Valid      int            `json:"valid"`
	ValidRatio float64        `json:"valid_ratio"`
	Healthy    bool           `json:"healthy"`
	Failing    []Result       `json:"failing,omitempty"`
	At         time.Time      `json:"at"`
}

// Trend classifies the recent validation history.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

type snapshot struct {
	at         time.Time
	layer      memory.LayerID
	validRatio float64
}

// rule is a single named integrity check with a weight. Check returns
// nil when the entry passes.
type rule struct {
	name    string
	weight  float64
	applies func(memory.LayerID) bool
	check   func(e *memory.Entry, now time.Time) *Issue
	heal    func(ctx context.Context, layer memory.Layer, e *memory.Entry, now time.Time) (bool, error)
	suggest string
}

// Engine runs the rule set and records layer history.
type Engine struct {
	mu      sync.Mutex
	rules   []rule
	history *memory.Ring[snapshot]
	healed  int64
	clock   sched.Clock
	logger  *zap.Logger
}

// NewEngine creates the validation engine with the standard rule set.
func NewEngine(clock sched.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		history: memory.NewRing[snapshot](100, 50),
		clock:   clock,
		logger:  logger.Named("validation"),
	}
	e.rules = standardRules()
	return e
}

// ValidateEntry runs every applicable rule. IsValid is the logical AND
// of all checks; Confidence is the weighted average of per-rule
// confidences (a passing rule contributes 1.0).
func (e *Engine) ValidateEntry(entry *memory.Entry) Result {
	now := e.clock.Now()
	res := Result{Key: entry.Key, IsValid: true}

	var weightSum, confSum float64
	for _, r := range e.rules {
		if !r.applies(entry.Layer) {
			continue
		}
		weightSum += r.weight
		if issue := r.check(entry, now); issue != nil {
			res.IsValid = false
			res.Issues = append(res.Issues, *issue)
			if r.suggest != "" {
				res.Suggestions = append(res.Suggestions, r.suggest)
			}
			if r.heal != nil {
				res.HealingRequired = true
			}
			confSum += r.weight * issue.Confidence
		} else {
			confSum += r.weight
		}
	}
	if weightSum > 0 {
		res.Confidence = confSum / weightSum
	}
	return res
}

// ValidateLayer validates every entry in the tier. The layer is healthy
// when at least 80% of entries are individually valid; the outcome is
// appended to the rolling history.
func (e *Engine) ValidateLayer(ctx context.Context, layer memory.Layer) (LayerResult, error) {
	entries, err := layer.Query(ctx, memory.Query{})
	if err != nil {
		return LayerResult{}, fmt.Errorf("validate layer %s: %w", layer.ID(), err)
	}

	result := LayerResult{Layer: layer.ID(), Checked: len(entries), At: e.clock.Now()}
	for _, entry := range entries {
		res := e.ValidateEntry(entry)
		if res.IsValid {
			result.Valid++
		} else {
			result.Failing = append(result.Failing, res)
		}
	}
	if result.Checked == 0 {
		result.ValidRatio = 1.0
	} else {
		result.ValidRatio = float64(result.Valid) / float64(result.Checked)
	}
	result.Healthy = result.ValidRatio >= healthyRatio

	e.mu.Lock()
	e.history.Append(snapshot{at: result.At, layer: layer.ID(), validRatio: result.ValidRatio})
	e.mu.Unlock()

	if !result.Healthy {
		e.logger.Warn("layer unhealthy",
			zap.String("layer", string(layer.ID())),
			zap.Float64("valid_ratio", result.ValidRatio))
	}
	return result, nil
}

// HealEntry dispatches each reported issue to its repair. Healing is
// best effort per entry: an unrepairable issue is skipped, never fatal.
func (e *Engine) HealEntry(ctx context.Context, layer memory.Layer, entry *memory.Entry, res Result) (bool, error) {
	now := e.clock.Now()
	healedAny := false
	for _, issue := range res.Issues {
		r, ok := e.ruleByKeyword(issue.Rule)
		if !ok || r.heal == nil {
			continue
		}
		healed, err := r.heal(ctx, layer, entry, now)
		if err != nil {
			e.logger.Debug("heal failed",
				zap.String("key", entry.Key), zap.String("rule", r.name), zap.Error(err))
			continue
		}
		if healed {
			healedAny = true
		}
	}
	if healedAny {
		e.mu.Lock()
		e.healed++
		e.mu.Unlock()
	}
	return healedAny, nil
}

func (e *Engine) ruleByKeyword(name string) (rule, bool) {
	for _, r := range e.rules {
		if strings.Contains(name, r.name) || strings.Contains(r.name, name) {
			return r, true
		}
	}
	return rule{}, false
}

// SuccessRate is the mean valid ratio over the recorded history, 1.0
// when nothing has been validated yet.
func (e *Engine) SuccessRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	snaps := e.history.Items()
	if len(snaps) == 0 {
		return 1.0
	}
	var sum float64
	for _, s := range snaps {
		sum += s.validRatio
	}
	return sum / float64(len(snaps))
}

// HealedCount reports how many entries have been healed so far.
func (e *Engine) HealedCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healed
}

// TrendOverHistory compares the average valid ratio of the older half of
// the history against the newer half, with a ±10% hysteresis band.
func (e *Engine) TrendOverHistory() Trend {
	e.mu.Lock()
	defer e.mu.Unlock()

	snaps := e.history.Items()
	if len(snaps) < 4 {
		return TrendStable
	}
	mid := len(snaps) / 2
	older := meanRatio(snaps[:mid])
	newer := meanRatio(snaps[mid:])
	if older == 0 {
		return TrendStable
	}
	change := (newer - older) / older
	switch {
	case change > 0.1:
		return TrendImproving
	case change < -0.1:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func meanRatio(snaps []snapshot) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range snaps {
		sum += s.validRatio
	}
	return sum / float64(len(snaps))
}
