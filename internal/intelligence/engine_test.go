package intelligence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnsd/internal/memory"
	"cnsd/internal/sched"
)

func fixedSources(validation, prediction, evolution, retention float64) Sources {
	return Sources{
		ValidationSuccess: func() float64 { return validation },
		PredictionHitRate: func() float64 { return prediction },
		EvolutionFitness:  func() float64 { return evolution },
		RetentionSymmetry: func() float64 { return retention },
	}
}

func TestTotalNeverBelowProduct(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())
	e := NewEngine(fixedSources(0.95, 0.8, 0.7, 0.9), clock, nil)

	m := e.Current()
	product := 1.0
	for _, v := range m.Multipliers {
		product *= v
	}
	assert.GreaterOrEqual(t, m.TotalMultiplier, product, "synergy bonus is non-negative")
	assert.Len(t, m.Multipliers, 4)
}

func TestCurrentMatchesHistoryTail(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())
	e := NewEngine(fixedSources(0.8, 0.7, 0.6, 0.5), clock, nil)

	current := e.Current()
	tail := e.History(1)
	require.Len(t, tail, 1)
	if diff := cmp.Diff(current, tail[0]); diff != "" {
		t.Errorf("current snapshot diverges from history tail (-current +tail):\n%s", diff)
	}
}

func TestConditionalBoostAboveThreshold(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())

	low := NewEngine(fixedSources(0.9, 0, 0, 0), clock, nil).Current()
	high := NewEngine(fixedSources(0.95, 0, 0, 0), clock, nil).Current()

	// At 0.9 the validation boost has not yet kicked in (strict >).
	assert.InDelta(t, 1+0.9*0.8, low.Multipliers["contextual"], 1e-9)
	assert.InDelta(t, (1+0.95*0.8)*1.1, high.Multipliers["contextual"], 1e-9)
}

func TestSynergyRequiresAllMembersActive(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())

	// All four components above 0.6: every pattern fires.
	e := NewEngine(fixedSources(0.9, 0.9, 0.9, 0.9), clock, nil)
	e.Current()
	snap := e.Snapshot()
	for name, p := range snap.Synergies {
		assert.Equal(t, 1, p.Frequency, "pattern %s reinforced once", name)
	}

	// Only contextual active: no pattern has all members active.
	e2 := NewEngine(fixedSources(0.9, 0.1, 0.1, 0.1), clock, nil)
	e2.Current()
	for name, p := range e2.Snapshot().Synergies {
		assert.Equal(t, 0, p.Frequency, "pattern %s stays dormant", name)
	}
}

func TestEffectivenessClamped(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())
	level := 0.1
	e := NewEngine(Sources{
		ValidationSuccess: func() float64 { return level },
		PredictionHitRate: func() float64 { return level },
		EvolutionFitness:  func() float64 { return level },
		RetentionSymmetry: func() float64 { return level },
	}, clock, nil)

	ctx := context.Background()
	for i := 0; i < trailingWindow; i++ {
		require.NoError(t, e.Recompute(ctx))
	}
	// A sudden jump cannot push effectiveness past the clamp.
	level = 1.0
	require.NoError(t, e.Recompute(ctx))
	last := e.History(1)
	require.Len(t, last, 1)
	assert.GreaterOrEqual(t, last[0].Effectiveness, 0.5)
	assert.LessOrEqual(t, last[0].Effectiveness, 2.0)
}

func TestHistoryTrimsAtCap(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())
	e := NewEngine(fixedSources(0.5, 0.5, 0.5, 0.5), clock, nil)

	ctx := context.Background()
	for i := 0; i < historyCap; i++ {
		require.NoError(t, e.Recompute(ctx))
	}
	assert.Equal(t, historyLow, e.Snapshot().History)
}

func TestApplyBoostSelectsComponentsByContext(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())
	e := NewEngine(fixedSources(0.8, 0.8, 0.8, 0.8), clock, nil)
	e.Current()

	read, err := e.ApplyBoost(OpContext{Kind: OpRead, Layer: memory.LayerSession}, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"contextual", "predictive"}, read.Components)
	assert.Greater(t, read.Multiplier, 1.0)

	write, err := e.ApplyBoost(OpContext{Kind: OpWrite, Layer: memory.LayerPatterns}, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"adaptive", "contextual"}, write.Components)

	heavy, err := e.ApplyBoost(OpContext{Kind: OpRead, Layer: memory.LayerPredictions, Complexity: 0.9}, func() error { return nil })
	require.NoError(t, err)
	assert.Contains(t, heavy.Components, "collaborative")
}

func TestApplyBoostFeedsBackContribution(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())
	e := NewEngine(fixedSources(0.8, 0.8, 0.8, 0.8), clock, nil)
	e.Current()

	before := e.Snapshot().Components["contextual"].Contribution
	_, err := e.ApplyBoost(OpContext{Kind: OpRead}, func() error { return nil })
	require.NoError(t, err)
	after := e.Snapshot().Components["contextual"].Contribution
	assert.Greater(t, after, before, "success nudges contribution up")

	boom := errors.New("boom")
	_, err = e.ApplyBoost(OpContext{Kind: OpRead}, func() error { return boom })
	assert.ErrorIs(t, err, boom, "operation error passes through")
	assert.Less(t, e.Snapshot().Components["contextual"].Contribution, after, "failure nudges it down")
}

func TestRebalanceKeepsWeightsInBounds(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())
	e := NewEngine(fixedSources(0.0, 1.0, 0.5, 0.2), clock, nil)
	e.Current()

	require.NoError(t, e.Rebalance(context.Background()))
	for name, c := range e.Snapshot().Components {
		assert.GreaterOrEqual(t, c.Weight, minWeight, "component %s", name)
		assert.LessOrEqual(t, c.Weight, maxWeight, "component %s", name)
	}
	// Predictive performs at 1.0 with contribution 0.5: 0.7*1.0+0.3*0.5.
	assert.InDelta(t, 0.85, e.Snapshot().Components["predictive"].Weight, 1e-9)
}

func TestTrendClassification(t *testing.T) {
	clock := sched.NewFakeClock(time.Now())
	level := 0.2
	e := NewEngine(Sources{
		ValidationSuccess: func() float64 { return level },
		PredictionHitRate: func() float64 { return level },
		EvolutionFitness:  func() float64 { return level },
		RetentionSymmetry: func() float64 { return level },
	}, clock, nil)

	ctx := context.Background()
	assert.Equal(t, "stable", e.Trend(), "short history reads as stable")
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Recompute(ctx))
	}
	level = 0.9
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Recompute(ctx))
	}
	assert.Equal(t, "improving", e.Trend())
}
