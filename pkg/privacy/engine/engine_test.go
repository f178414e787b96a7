package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/noiseguard/pkg/core/rules"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/budget"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/engine"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/noise"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/sensitivity"
)

func newEngine(t *testing.T, limit, epsilonMedium float64) *engine.Engine {
	t.Helper()
	cfg := budget.DefaultConfig()
	cfg.TotalBudgetLimit = limit
	cfg.Epsilon[sensitivity.Medium] = epsilonMedium
	m, err := budget.NewManager(cfg, nil)
	require.NoError(t, err)
	return engine.New(m, noise.NewGeneratorWithSeed(42))
}

func testRule(id string, confidence float64) *rules.LearnedRule {
	return &rules.LearnedRule{
		ID:         id,
		Type:       rules.TypeCategoryMapping,
		Pattern:    "STARBUCKS #123",
		Category:   "coffee",
		Confidence: confidence,
	}
}

func TestProtectRule(t *testing.T) {
	e := newEngine(t, 10.0, 0.5)

	p, err := e.ProtectRule(context.Background(), testRule("r1", 0.8))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "r1", p.OriginalID)
	assert.Equal(t, engine.HashPattern("STARBUCKS #123"), p.PatternHash)
	assert.NotContains(t, p.PatternHash, "STARBUCKS")
	assert.Equal(t, 0.8, p.OriginalConfidence)
	want := p.OriginalConfidence + p.NoiseAdded
	if want < rules.MinConfidence {
		want = rules.MinConfidence
	} else if want > rules.MaxConfidence {
		want = rules.MaxConfidence
	}
	assert.Equal(t, want, p.NoisyConfidence, "noisy confidence is the clamped sum")
	assert.GreaterOrEqual(t, p.NoisyConfidence, rules.MinConfidence)
	assert.LessOrEqual(t, p.NoisyConfidence, rules.MaxConfidence)
	assert.Equal(t, 0.5, p.Epsilon)
	assert.Equal(t, sensitivity.Medium, p.Level)
	assert.False(t, p.ProtectedAt.IsZero())
}

func TestProtectRuleBudgetExhaustion(t *testing.T) {
	// Limit 1.0 with 0.3 per rule: three rules fit, the fourth does not.
	e := newEngine(t, 1.0, 0.3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := e.ProtectRule(ctx, testRule("r", 0.5))
		require.NoError(t, err)
		require.NotNil(t, p, "call %d should succeed", i+1)
	}

	p, err := e.ProtectRule(ctx, testRule("r", 0.5))
	require.NoError(t, err, "exhaustion is not an error")
	assert.Nil(t, p, "exhausted budget yields nil, the rule is never released bare")

	// All further protection attempts refuse too.
	p, err = e.ProtectRule(ctx, testRule("r", 0.5))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProtectRulesPartialBatch(t *testing.T) {
	e := newEngine(t, 1.0, 0.3)

	batch := []*rules.LearnedRule{
		testRule("r1", 0.8), testRule("r2", 0.7),
		testRule("r3", 0.9), testRule("r4", 0.6), testRule("r5", 0.5),
	}
	protected, err := e.ProtectRules(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, protected, 3, "batch stops at the first refusal")
	assert.Equal(t, "r1", protected[0].OriginalID)
	assert.Equal(t, "r3", protected[2].OriginalID)
}

func TestUploadDataOmitsPrivateFields(t *testing.T) {
	e := newEngine(t, 10.0, 0.5)

	p, err := e.ProtectRule(context.Background(), testRule("r1", 0.8))
	require.NoError(t, err)

	raw, err := json.Marshal(p.ToUploadData())
	require.NoError(t, err)
	payload := string(raw)

	// The wire form carries the noisy value and hash only.
	assert.Contains(t, payload, "pattern_hash")
	assert.Contains(t, payload, "confidence")
	assert.NotContains(t, payload, "original_confidence")
	assert.NotContains(t, payload, "noise_added")
	assert.NotContains(t, payload, "original_id")
	assert.NotContains(t, payload, "r1")
	assert.NotContains(t, payload, "STARBUCKS")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded, 4)
}

func TestHashPatternDeterministic(t *testing.T) {
	a := engine.HashPattern("AMAZON MKTP")
	b := engine.HashPattern("AMAZON MKTP")
	c := engine.HashPattern("AMAZON MKTP ")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestProtectNumericValue(t *testing.T) {
	e := newEngine(t, 10.0, 0.5)

	v, ok, err := e.ProtectNumericValue(context.Background(), 50.0, 0.0, 100.0, sensitivity.Medium)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, v, 0.0)
	assert.LessOrEqual(t, v, 100.0)
}

func TestProtectMeanQuery(t *testing.T) {
	e := newEngine(t, 10.0, 0.5)
	ctx := context.Background()

	v, ok, err := e.ProtectMeanQuery(ctx, 42.0, 0.0, 100.0, 1000, sensitivity.Medium)
	require.NoError(t, err)
	require.True(t, ok)
	// Sensitivity of a mean over 1000 records is width/n = 0.1, so the
	// noise is small relative to the value.
	assert.InDelta(t, 42.0, v, 10.0)

	_, _, err = e.ProtectMeanQuery(ctx, 42.0, 0.0, 100.0, 0, sensitivity.Medium)
	assert.Error(t, err, "mean over zero records is a caller bug")
}

func TestProtectCountQuery(t *testing.T) {
	e := newEngine(t, 10.0, 0.5)

	v, ok, err := e.ProtectCountQuery(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, v, 0.0, "noisy counts never go negative")
}

func TestProtectHistogram(t *testing.T) {
	e := newEngine(t, 10.0, 0.5)

	buckets := map[string]float64{"food": 120, "travel": 45, "rent": 12}
	protected, complete, err := e.ProtectHistogram(context.Background(), buckets)
	require.NoError(t, err)
	require.True(t, complete)
	require.Len(t, protected, 3)

	for label, v := range protected {
		assert.GreaterOrEqual(t, v, 0.0, "bucket %s went negative", label)
	}
	// Inputs are untouched.
	assert.Equal(t, 120.0, buckets["food"])
}

func TestProtectHistogramInsufficientBudget(t *testing.T) {
	// Low epsilon is 1.0 by default; 3 buckets need 3.0 against a 2.5
	// limit. The pre-check refuses the whole histogram and spends nothing.
	cfg := budget.DefaultConfig()
	cfg.TotalBudgetLimit = 2.5
	m, err := budget.NewManager(cfg, nil)
	require.NoError(t, err)
	e := engine.New(m, noise.NewGeneratorWithSeed(42))

	buckets := map[string]float64{"food": 120, "travel": 45, "rent": 12}
	protected, complete, err := e.ProtectHistogram(context.Background(), buckets)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Nil(t, protected)
	assert.Equal(t, 0.0, m.GetState().TotalConsumed())
}

func TestEstimateBudgetRequired(t *testing.T) {
	e := newEngine(t, 10.0, 0.5)

	assert.InDelta(t, 2.5, e.EstimateBudgetRequired(5, sensitivity.Medium), 1e-12)
	assert.Equal(t, 0.0, e.EstimateBudgetRequired(0, sensitivity.Medium))
	assert.Equal(t, 0.0, e.EstimateBudgetRequired(-3, sensitivity.Medium))

	assert.True(t, e.HasSufficientBudget(10.0))
	assert.False(t, e.HasSufficientBudget(10.1))
}
