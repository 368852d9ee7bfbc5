package predictive

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnsd/internal/memory"
	"cnsd/internal/sched"
	"cnsd/internal/tier"
)

type testResolver struct {
	session *tier.Session
}

func (r *testResolver) Layer(id memory.LayerID) (memory.Layer, error) {
	if id != memory.LayerSession {
		return nil, memory.LayerNotFound(id)
	}
	return r.session, nil
}

func newTestEngine(t *testing.T) (*Engine, *testResolver, *sched.FakeClock) {
	t.Helper()
	clock := sched.NewFakeClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	resolver := &testResolver{session: tier.NewSession(100, clock, nil)}
	e := NewEngine(DefaultConfig(), resolver, clock, rand.New(rand.NewSource(42)), nil)
	t.Cleanup(e.Close)
	return e, resolver, clock
}

func TestRecordAccessBuildsPattern(t *testing.T) {
	e, _, _ := newTestEngine(t)
	actx := AccessContext{UserID: "u1", Route: "/home"}

	for i := 0; i < 3; i++ {
		e.RecordAccess(fmt.Sprintf("k%d", i), memory.LayerSession, actx)
	}

	e.mu.Lock()
	p := e.patterns[actx.signature()]
	e.mu.Unlock()
	require.NotNil(t, p)
	assert.Equal(t, []string{"k0", "k1", "k2"}, p.Sequence)
	assert.Equal(t, 3, p.Frequency)
}

func TestSequenceCapTrimsInBatches(t *testing.T) {
	e, _, _ := newTestEngine(t)
	actx := AccessContext{UserID: "u1"}

	for i := 0; i <= sequenceCap; i++ {
		e.RecordAccess(fmt.Sprintf("k%d", i), memory.LayerSession, actx)
	}

	e.mu.Lock()
	p := e.patterns[actx.signature()]
	e.mu.Unlock()
	require.NotNil(t, p)
	assert.Equal(t, sequenceCap+1-sequenceTrim, len(p.Sequence), "oldest trimmed in a batch of 10")
	assert.Equal(t, fmt.Sprintf("k%d", sequenceTrim), p.Sequence[0])
}

func TestSequentialModelPredictsNextInSequence(t *testing.T) {
	e, _, _ := newTestEngine(t)
	actx := AccessContext{UserID: "u1", Route: "/checkout"}

	// Learn the walk twice so the history extends past the suffix.
	for round := 0; round < 2; round++ {
		for _, key := range []string{"cart", "shipping", "payment", "confirm"} {
			e.RecordAccess(key, memory.LayerSession, actx)
		}
	}
	// Current position: just re-entered cart -> shipping.
	e.RecordAccess("cart", memory.LayerSession, actx)
	e.RecordAccess("shipping", memory.LayerSession, actx)

	preds := e.Predictions(actx)
	require.NotEmpty(t, preds)
	keys := make(map[string]float64)
	for _, p := range preds {
		keys[p.Key] = p.Probability
	}
	assert.Contains(t, keys, "payment", "next key in the learned walk")
}

func TestPredictionsDeduplicatedAndSorted(t *testing.T) {
	e, _, _ := newTestEngine(t)
	actx := AccessContext{UserID: "u1"}

	for i := 0; i < 5; i++ {
		e.RecordAccess("hot", memory.LayerSession, actx)
		e.RecordAccess("warm", memory.LayerSession, actx)
	}

	preds := e.Predictions(actx)
	seen := make(map[string]bool)
	for i, p := range preds {
		assert.False(t, seen[p.Key], "no duplicate keys in merged predictions")
		seen[p.Key] = true
		if i > 0 {
			assert.LessOrEqual(t, p.Probability, preds[i-1].Probability, "sorted descending")
		}
	}
	assert.LessOrEqual(t, len(preds), e.cfg.MaxPredictions)
}

func TestGetWithPredictiveLoadingFallsThroughToTier(t *testing.T) {
	e, resolver, _ := newTestEngine(t)
	ctx := context.Background()
	actx := AccessContext{UserID: "u1"}

	_, err := resolver.session.Store(ctx, "k", "value", memory.StoreOptions{})
	require.NoError(t, err)

	entry, err := e.GetWithPredictiveLoading(ctx, "k", memory.LayerSession, actx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "value", entry.Value)
	assert.Equal(t, 0.0, e.CacheHitRate(), "first read is a preload miss")
}

func TestPreloadCacheShortCircuitsTier(t *testing.T) {
	e, resolver, clock := newTestEngine(t)
	ctx := context.Background()
	actx := AccessContext{UserID: "u1"}

	_, err := resolver.session.Store(ctx, "k", "value", memory.StoreOptions{})
	require.NoError(t, err)

	// Queue and drain a preload for k.
	e.enqueue(preloadJob{key: "k", layer: memory.LayerSession})
	require.NoError(t, e.drainPreloads(ctx))

	tierHitsBefore := resolver.session.Metrics().Hits
	entry, err := e.GetWithPredictiveLoading(ctx, "k", memory.LayerSession, actx)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, tierHitsBefore, resolver.session.Metrics().Hits, "tier bypassed on preload hit")
	assert.Greater(t, e.CacheHitRate(), 0.0)

	// The preload entry expires with its TTL.
	clock.Advance(e.cfg.PreloadTTL + time.Second)
	require.NoError(t, e.regenerate(ctx))
	e.mu.Lock()
	_, still := e.preload["k"]
	e.mu.Unlock()
	assert.False(t, still, "expired preload entries are dropped")
}

func TestDrainPreloadsBatchLimit(t *testing.T) {
	e, resolver, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("k%d", i)
		_, err := resolver.session.Store(ctx, key, i, memory.StoreOptions{})
		require.NoError(t, err)
		e.enqueue(preloadJob{key: key, layer: memory.LayerSession})
	}

	require.NoError(t, e.drainPreloads(ctx))
	assert.Equal(t, 8-preloadBatch, e.Stats().QueueDepth, "one drain handles at most five jobs")

	require.NoError(t, e.drainPreloads(ctx))
	assert.Equal(t, 0, e.Stats().QueueDepth)
}

func TestRetrainSlidesWindowAndBoundsAccuracy(t *testing.T) {
	e, _, _ := newTestEngine(t)

	for i := 0; i < retrainWindow+50; i++ {
		e.RecordAccess("k", memory.LayerSession, AccessContext{SessionID: fmt.Sprintf("s%d", i)})
	}
	e.retrains.Wait() // settle any chance-scheduled retrains
	e.retrain()

	stats := e.Stats()
	assert.LessOrEqual(t, stats.Patterns, retrainWindow, "window slides to most recent patterns")
	for name, acc := range stats.ModelAccuracy {
		assert.GreaterOrEqual(t, acc, 0.3, "model %s", name)
		assert.LessOrEqual(t, acc, 0.95, "model %s", name)
	}
}

func TestTemporalModelFavorsCurrentHour(t *testing.T) {
	e, _, _ := newTestEngine(t)
	actx := AccessContext{UserID: "u1"}

	for i := 0; i < 5; i++ {
		e.RecordAccess("morning-report", memory.LayerSession, actx)
	}

	e.mu.Lock()
	preds := e.temporalLocked()
	e.mu.Unlock()
	require.NotEmpty(t, preds)
	assert.Equal(t, "morning-report", preds[0].Key)
	assert.Greater(t, preds[0].Probability, 0.0)
}
