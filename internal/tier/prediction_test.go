package tier

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnsd/internal/memory"
)

func TestExtractFeaturesBounded(t *testing.T) {
	values := []any{
		nil, true, 42, "ada@example.com", "https://example.com",
		[]any{1, 2, 3}, map[string]any{"a": map[string]any{"b": []any{1}}},
	}
	for _, v := range values {
		f := extractFeatures(v)
		require.Len(t, f, featureCount)
		for i, comp := range f {
			assert.GreaterOrEqual(t, comp, 0.0, "component %d of %v", i, v)
			assert.LessOrEqual(t, comp, 1.0, "component %d of %v", i, v)
		}
	}
}

func TestQuantizeFeaturesGroupsNearVectors(t *testing.T) {
	a := quantizeFeatures([]float64{0.41, 0.5, 0.0})
	b := quantizeFeatures([]float64{0.44, 0.5, 0.0})
	c := quantizeFeatures([]float64{0.9, 0.5, 0.0})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLinearModelFitsSimpleSignal(t *testing.T) {
	m := newLinearModel()
	samples := []sample{
		{features: []float64{1, 0, 0, 0, 0, 0}, target: 0.9},
		{features: []float64{0, 1, 0, 0, 0, 0}, target: 0.1},
	}
	m.fit(samples, newTestClock().Now())

	assert.Greater(t, m.predict([]float64{1, 0, 0, 0, 0, 0}), 0.6)
	assert.Less(t, m.predict([]float64{0, 1, 0, 0, 0, 0}), 0.4)
	assert.Greater(t, m.accuracy(), 0.7)
}

func TestSimilarityModelAnswersNearestNeighbor(t *testing.T) {
	m := newSimilarityModel()
	samples := []sample{
		{features: []float64{0, 0, 0, 0, 0, 0}, target: 0.2},
		{features: []float64{1, 1, 1, 0, 0, 0}, target: 0.8},
	}
	m.fit(samples, newTestClock().Now())

	assert.InDelta(t, 0.2, m.predict([]float64{0.1, 0, 0, 0, 0, 0}), 1e-9)
	assert.InDelta(t, 0.8, m.predict([]float64{0.9, 1, 1, 0, 0, 0}), 1e-9)
}

func TestPredictReturnsModelAndConfidence(t *testing.T) {
	clock := newTestClock()
	p := NewPrediction(100, clock, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := p.Store(ctx, fmt.Sprintf("k%d", i), fmt.Sprintf("value-%d", i), memory.StoreOptions{})
		require.NoError(t, err)
	}

	pred := p.Predict(extractFeatures("value-3"))
	assert.NotEmpty(t, pred.ModelUsed)
	assert.GreaterOrEqual(t, pred.Confidence, 0.0)
	assert.LessOrEqual(t, pred.Confidence, 1.0)
	assert.GreaterOrEqual(t, pred.Value, 0.0)
	assert.LessOrEqual(t, pred.Value, 1.0)
}

func TestPredictionCacheEvictsLowConfidenceHalf(t *testing.T) {
	clock := newTestClock()
	p := NewPrediction(1000, clock, nil)

	// Distinct quantized signatures fill the cache past its cap.
	for i := 0; i < predictionCacheCap+10; i++ {
		f := []float64{float64(i%10) / 10, float64(i/10) / 10, 0, 0, 0, 0}
		p.Predict(f)
	}
	p.mu.RLock()
	size := len(p.cache)
	p.mu.RUnlock()
	assert.LessOrEqual(t, size, predictionCacheCap, "overflow evicts half the cache")
}

func TestPredictionEvictionDropsLowestAccuracyQuartile(t *testing.T) {
	clock := newTestClock()
	p := NewPrediction(8, clock, nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := p.Store(ctx, fmt.Sprintf("k%d", i), i, memory.StoreOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, 8, p.Metrics().Entries)

	_, err := p.Store(ctx, "overflow", "x", memory.StoreOptions{})
	require.NoError(t, err)

	m := p.Metrics()
	assert.EqualValues(t, 2, m.Evictions, "quartile of 8 is 2")
	assert.Equal(t, 7, m.Entries)
}

func TestPredictionValidateAggregateAccuracy(t *testing.T) {
	clock := newTestClock()
	p := NewPrediction(100, clock, nil)
	ctx := context.Background()

	// A uniform population is easy to score: all targets equal.
	for i := 0; i < refitEvery; i++ {
		_, err := p.Store(ctx, fmt.Sprintf("k%d", i), fmt.Sprintf("value-%d", i), memory.StoreOptions{Priority: 80})
		require.NoError(t, err)
	}

	summary, err := p.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, refitEvery, summary.Checked)
	assert.GreaterOrEqual(t, summary.Accuracy, predictionMinAccuracy)
	assert.True(t, summary.Healthy)
}

func TestPredictionValidateEmptyTierHealthy(t *testing.T) {
	p := NewPrediction(100, newTestClock(), nil)
	summary, err := p.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Healthy)
	assert.Equal(t, 1.0, summary.Accuracy)
}
