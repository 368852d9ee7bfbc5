package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cnsd/internal/config"
	"cnsd/internal/memory"
	"cnsd/internal/predictive"
	"cnsd/internal/sched"
)

func newTestManager(t *testing.T, mutate func(*config.Config)) (*Manager, *sched.FakeClock) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Tiers.SessionMaxSize = 50
	cfg.Tiers.ContextMaxSize = 50
	cfg.Tiers.PatternsMaxSize = 50
	cfg.Tiers.PredictionsMaxSize = 20
	if mutate != nil {
		mutate(cfg)
	}
	clock := sched.NewFakeClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	m := New(cfg, clock, rand.New(rand.NewSource(7)), nil, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Features.EnablePredictiveLoading = false
	})
	ctx := context.Background()

	entry, err := m.Store(ctx, memory.LayerSession, "greeting", "hello", memory.StoreOptions{})
	require.NoError(t, err)
	require.NotNil(t, entry)

	got, err := m.Retrieve(ctx, memory.LayerSession, "greeting", predictive.AccessContext{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Value)
}

func TestStoreUnknownLayerFails(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.Store(context.Background(), "nope", "k", "v", memory.StoreOptions{})
	assert.ErrorIs(t, err, memory.ErrLayerNotFound)
}

func TestRetrieveDelegatesToPredictiveLoader(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	actx := predictive.AccessContext{UserID: "u1"}

	_, err := m.Store(ctx, memory.LayerSession, "k", "v", memory.StoreOptions{})
	require.NoError(t, err)

	got, err := m.Retrieve(ctx, memory.LayerSession, "k", actx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v", got.Value)
	// The loader learned the access.
	assert.Positive(t, m.loader.Stats().Patterns)
}

func TestIntelligenceGateOffSkipsBoostEntirely(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Features.EnableIntelligenceMultiplier = false
		c.Features.EnablePredictiveLoading = false
	})
	ctx := context.Background()

	assert.Nil(t, m.CurrentIntelligence())

	before := m.intel.Snapshot().Components
	_, err := m.Store(ctx, memory.LayerSession, "k", "v", memory.StoreOptions{})
	require.NoError(t, err)
	_, err = m.Retrieve(ctx, memory.LayerSession, "k", predictive.AccessContext{})
	require.NoError(t, err)

	after := m.intel.Snapshot().Components
	for name := range before {
		assert.Equal(t, before[name].Contribution, after[name].Contribution,
			"component %s saw no contribution feedback", name)
	}
}

func TestIntelligenceGateOnFeedsBack(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Features.EnablePredictiveLoading = false
	})
	ctx := context.Background()

	require.NotNil(t, m.CurrentIntelligence())

	before := m.intel.Snapshot().Components["contextual"].Contribution
	_, err := m.Store(ctx, memory.LayerSession, "k", "v", memory.StoreOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, before, m.intel.Snapshot().Components["contextual"].Contribution)
}

func TestRetrieveBypassesBoostWhenPredictiveEnabled(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Store(ctx, memory.LayerSession, "k", "v", memory.StoreOptions{})
	require.NoError(t, err)

	before := m.intel.Snapshot().Components
	_, err = m.Retrieve(ctx, memory.LayerSession, "k", predictive.AccessContext{UserID: "u1"})
	require.NoError(t, err)
	after := m.intel.Snapshot().Components
	for name := range before {
		assert.Equal(t, before[name].Contribution, after[name].Contribution,
			"predictive retrieve path carries no boost feedback (%s)", name)
	}
}

func TestStoreToPatternsTracksEvolution(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Store(ctx, memory.LayerPatterns, "user-login", map[string]any{
		"email": "user@example.com",
		"event": "login",
	}, memory.StoreOptions{Priority: 80})
	require.NoError(t, err)

	stats := m.evolver.Stats()
	assert.Equal(t, 1, stats.Population)
	assert.InDelta(t, 0.8, stats.AvgFitness, 1e-9)
}

func TestQueryMergesTiersByPriority(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Features.EnablePredictiveLoading = false
	})
	ctx := context.Background()

	_, err := m.Store(ctx, memory.LayerSession, "login-session", "s", memory.StoreOptions{Tags: []string{"login"}, Priority: 100})
	require.NoError(t, err)
	_, err = m.Store(ctx, memory.LayerContext, "login-context", "the user signed in from a new device", memory.StoreOptions{Tags: []string{"login"}, Priority: 60})
	require.NoError(t, err)
	_, err = m.Store(ctx, memory.LayerSession, "unrelated", "x", memory.StoreOptions{Priority: 90})
	require.NoError(t, err)

	results, err := m.Query(ctx, memory.Query{Tags: []string{"login"}}, predictive.AccessContext{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "login-session", results[0].Key, "higher priority first")
	assert.Equal(t, "login-context", results[1].Key)
}

func TestQuerySingleTier(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Store(ctx, memory.LayerSession, "a", 1, memory.StoreOptions{})
	require.NoError(t, err)
	_, err = m.Store(ctx, memory.LayerContext, "b", "some longer context text", memory.StoreOptions{})
	require.NoError(t, err)

	results, err := m.Query(ctx, memory.Query{Layer: memory.LayerSession}, predictive.AccessContext{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Key)
}

func TestDeleteFansOutAcrossTiers(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Store(ctx, memory.LayerSession, "shared", 1, memory.StoreOptions{})
	require.NoError(t, err)
	_, err = m.Store(ctx, memory.LayerPatterns, "shared", map[string]any{"a": 1}, memory.StoreOptions{})
	require.NoError(t, err)

	res, err := m.Delete(ctx, "", "shared")
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.ElementsMatch(t, []memory.LayerID{memory.LayerSession, memory.LayerPatterns}, res.Tiers)

	res, err = m.Delete(ctx, memory.LayerSession, "shared")
	require.NoError(t, err)
	assert.False(t, res.Deleted, "already gone")
}

func TestClearAllTiers(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Store(ctx, memory.LayerSession, "a", 1, memory.StoreOptions{})
	require.NoError(t, err)
	_, err = m.Store(ctx, memory.LayerContext, "b", "text here", memory.StoreOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Clear(ctx, ""))
	snap := m.Metrics(ctx)
	for id, tm := range snap.Tiers {
		assert.Zero(t, tm.Entries, "tier %s emptied", id)
	}
}

func TestCompressFanOutSkipsUnsupported(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Store(ctx, memory.LayerContext, "c", "a fairly long piece of text that the compressor can shorten meaningfully", memory.StoreOptions{})
	require.NoError(t, err)

	reports, err := m.Compress(ctx, "")
	require.NoError(t, err)
	for _, r := range reports {
		assert.NotEqual(t, memory.LayerSession, r.Layer, "session tier does not compress")
	}

	_, err = m.Compress(ctx, memory.LayerSession)
	assert.ErrorIs(t, err, memory.ErrUnsupportedOperation, "single-tier call surfaces the failure")
}

func TestValidateAndHealReportsPerTier(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Store(ctx, memory.LayerSession, "k", "v", memory.StoreOptions{})
	require.NoError(t, err)

	reports, err := m.ValidateAndHeal(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 4)
	assert.True(t, reports[memory.LayerSession].Validation.Healthy)
	assert.Nil(t, reports[memory.LayerSession].Heal, "healthy tier is not healed")
}

func TestValidateAndHealGateOff(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Features.EnableValidation = false
	})
	reports, err := m.ValidateAndHeal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestOptimizeRespectsGates(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Features.EnableEvolution = false
	})
	report, err := m.Optimize(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Evolution)
	assert.NotNil(t, report.Predictive)
	assert.NotNil(t, report.Intelligence)
}

func TestMetricsSnapshot(t *testing.T) {
	m, clock := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.Store(ctx, memory.LayerSession, "k", i, memory.StoreOptions{})
		require.NoError(t, err)
	}
	clock.Advance(30 * time.Second)

	snap := m.Metrics(ctx)
	assert.Len(t, snap.Tiers, 4)
	assert.Equal(t, 1, snap.Tiers[memory.LayerSession].Entries)
	assert.NotNil(t, snap.Intelligence)
	assert.Greater(t, snap.OverallHealth, 0.0)
	assert.LessOrEqual(t, snap.SystemLoad, 1.0)
	assert.Positive(t, snap.Operations)
}

func TestOperationLogBounded(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := m.Store(ctx, memory.LayerSession, "k", i, memory.StoreOptions{})
		require.NoError(t, err)
	}
	log := m.OperationLog(5)
	assert.Len(t, log, 5)
	for _, rec := range log {
		assert.Equal(t, "store", rec.Op)
		assert.False(t, rec.Failed)
	}
}

func TestApplyConfigFlipsGatesAtRuntime(t *testing.T) {
	m, _ := newTestManager(t, nil)
	require.NotNil(t, m.CurrentIntelligence())

	next := config.DefaultConfig()
	next.Features.EnableIntelligenceMultiplier = false
	m.ApplyConfig(next)
	assert.Nil(t, m.CurrentIntelligence())
}

func TestConfiguredIntelligenceIntervalDrivesRecompute(t *testing.T) {
	m, clock := newTestManager(t, func(c *config.Config) {
		c.Intervals.Recompute = 10 * time.Second
	})
	m.Start()

	require.Zero(t, m.intel.Snapshot().History)
	// Advance in the poll so the assertion holds regardless of when the
	// loop goroutine registers its ticker.
	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Second)
		return m.intel.Snapshot().History > 0
	}, time.Second, 10*time.Millisecond, "recompute loop fires at the configured interval")
}

// Evolution cycles and predictive reads both draw random numbers behind
// their own engine mutex; run them concurrently so the race detector
// catches any shared generator state.
func TestConcurrentEvolutionAndRetrieveUseIndependentRandomness(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := m.Store(ctx, memory.LayerPatterns, fmt.Sprintf("p%d", i),
			map[string]any{"n": i}, memory.StoreOptions{Priority: 10 + i*4})
		require.NoError(t, err)
	}
	_, err := m.Store(ctx, memory.LayerSession, "k", "v", memory.StoreOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = m.evolver.EvolvePatterns(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = m.Retrieve(ctx, memory.LayerSession, "k", predictive.AccessContext{UserID: "u"})
		}
	}()
	wg.Wait()
}

func TestBackgroundLoopsStartAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.DefaultConfig()
	clock := sched.NewFakeClock(time.Now())
	m := New(cfg, clock, rand.New(rand.NewSource(7)), nil, nil)
	m.Start()

	clock.Advance(cfg.Intervals.Metrics)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Close())
}
