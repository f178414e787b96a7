package noiseguard

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/noiseguard/pkg/common/config"
	"github.com/TheEntropyCollective/noiseguard/pkg/core/rules"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/sensitivity"
)

func newTestPipeline(t *testing.T, mutate func(*config.Config)) *Pipeline {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func contributionBatch(confidences ...float64) []*rules.LearnedRule {
	batch := make([]*rules.LearnedRule, len(confidences))
	for i, c := range confidences {
		batch[i] = &rules.LearnedRule{
			ID:         fmt.Sprintf("rule-%03d", i),
			Type:       rules.TypeCategoryMapping,
			Pattern:    fmt.Sprintf("STARBUCKS #%03d", i),
			Category:   "coffee",
			Confidence: c,
		}
	}
	return batch
}

func TestProcessCleanBatch(t *testing.T) {
	p := newTestPipeline(t, nil)

	result, err := p.Process(context.Background(), contributionBatch(0.9, 0.91, 0.89, 0.9), "alice")
	require.NoError(t, err)

	assert.Equal(t, 4, result.Accepted)
	assert.Empty(t, result.Rejected)
	require.Len(t, result.Protected, 4)
	for _, pr := range result.Protected {
		assert.NotEmpty(t, pr.PatternHash)
		assert.GreaterOrEqual(t, pr.NoisyConfidence, 0.0)
		assert.LessOrEqual(t, pr.NoisyConfidence, 1.0)
	}
}

func TestProcessRejectsInvalidRules(t *testing.T) {
	p := newTestPipeline(t, nil)

	batch := contributionBatch(0.9)
	batch[0].Pattern = ""
	_, err := p.Process(context.Background(), batch, "alice")
	assert.Error(t, err)
}

func TestProcessFiltersAnomalies(t *testing.T) {
	p := newTestPipeline(t, func(cfg *config.Config) {
		cfg.Anomaly.SigmaThreshold = 2.0
	})

	result, err := p.Process(context.Background(), contributionBatch(0.9, 0.91, 0.89, 0.05), "alice")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Accepted)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 0.05, result.Rejected[0].Rule.Confidence)
	assert.Len(t, result.Protected, 3, "only normal rules receive noise")
}

func TestProcessRejectsIsolatedContributor(t *testing.T) {
	p := newTestPipeline(t, nil)
	require.NoError(t, p.Tracker.IsolateUser("mallory"))

	result, err := p.Process(context.Background(), contributionBatch(0.9, 0.91), "mallory")
	require.NoError(t, err)

	assert.Empty(t, result.Protected)
	assert.Zero(t, result.Accepted)
	// No budget is spent on a rejected batch.
	assert.Equal(t, 0.0, p.Budget.GetState().TotalConsumed())
}

func TestProcessStopsAtBudgetExhaustion(t *testing.T) {
	p := newTestPipeline(t, func(cfg *config.Config) {
		cfg.Budget.TotalBudgetLimit = 1.0
		cfg.Budget.Epsilon[sensitivity.Medium] = 0.3
	})

	result, err := p.Process(context.Background(), contributionBatch(0.9, 0.91, 0.89, 0.9, 0.92), "alice")
	require.NoError(t, err)

	assert.Equal(t, 5, result.Accepted)
	assert.Len(t, result.Protected, 3, "three 0.3 spends fit a 1.0 budget")
}

func TestUploadPayloadSafety(t *testing.T) {
	p := newTestPipeline(t, nil)

	result, err := p.Process(context.Background(), contributionBatch(0.9, 0.91, 0.89), "alice")
	require.NoError(t, err)

	raw, err := json.Marshal(result.UploadPayload())
	require.NoError(t, err)
	payload := string(raw)

	assert.NotContains(t, payload, "STARBUCKS")
	assert.NotContains(t, payload, "original_confidence")
	assert.NotContains(t, payload, "noise_added")
	assert.NotContains(t, payload, "alice")
}

func TestApplyConfig(t *testing.T) {
	p := newTestPipeline(t, nil)

	cfg := config.DefaultConfig()
	cfg.Anomaly.SigmaThreshold = 2.5
	cfg.Budget.TotalBudgetLimit = 3.0
	require.NoError(t, p.ApplyConfig(context.Background(), cfg))

	assert.Equal(t, 2.5, p.Detector.Config().SigmaThreshold)
	assert.Equal(t, 3.0, p.Budget.RemainingBudget())

	bad := config.DefaultConfig()
	bad.Budget.TotalBudgetLimit = -1
	assert.Error(t, p.ApplyConfig(context.Background(), bad))
}

func TestProcessDropsDuplicateSubmissions(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()

	same := func() []*rules.LearnedRule {
		return []*rules.LearnedRule{{
			ID:         "rule-000",
			Type:       rules.TypeCategoryMapping,
			Pattern:    "STARBUCKS #000",
			Category:   "coffee",
			Confidence: 0.9,
		}}
	}

	// The allowance covers the first submissions; the flood beyond it is
	// dropped before detection.
	for i := 0; i < 3; i++ {
		result, err := p.Process(ctx, same(), "alice")
		require.NoError(t, err)
		assert.Zero(t, result.Duplicates, "submission %d within allowance", i+1)
	}

	result, err := p.Process(ctx, same(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Duplicates)
	assert.Empty(t, result.Protected)
}

func TestProcessSkipsDuplicateGuardForAnonymousBatches(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()

	same := func() []*rules.LearnedRule {
		return []*rules.LearnedRule{{
			ID:         "rule-000",
			Type:       rules.TypeCategoryMapping,
			Pattern:    "STARBUCKS #000",
			Category:   "coffee",
			Confidence: 0.9,
		}}
	}

	// Without a contributor identity there is no per-contributor window
	// to enforce, so repeated anonymous submissions never count as
	// duplicates and distinct anonymous contributors cannot collide on
	// a shared pattern.
	for i := 0; i < 6; i++ {
		result, err := p.Process(ctx, same(), "")
		require.NoError(t, err)
		assert.Zero(t, result.Duplicates, "anonymous submission %d", i+1)
		assert.Len(t, result.Protected, 1)
	}

	// The anonymous flood leaves alice's own allowance untouched.
	result, err := p.Process(ctx, same(), "alice")
	require.NoError(t, err)
	assert.Zero(t, result.Duplicates)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "postgres" // no DSN
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
