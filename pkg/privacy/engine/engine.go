// Package engine orchestrates sensitivity calculation, budget accounting,
// and Laplace noise injection into a single protection façade.
//
// Budget exhaustion is an expected, frequent outcome here and is expressed
// structurally: protection methods return a nil result or a false ok flag,
// never an error. Callers must treat "could not protect" as drop-or-defer;
// a rule is never released with zero noise.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/TheEntropyCollective/noiseguard/pkg/common/logging"
	"github.com/TheEntropyCollective/noiseguard/pkg/core/rules"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/budget"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/noise"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/sensitivity"
)

// Operation names recorded in the budget audit trail.
const (
	opProtectRule   = "protect_rule"
	opProtectValue  = "protect_numeric_value"
	opProtectMean   = "protect_mean_query"
	opProtectCount  = "protect_count_query"
	opProtectBucket = "protect_histogram_bucket"
)

// confidenceBounds clamps noisy confidences back into their domain.
var confidenceBounds = noise.Bounds{Min: rules.MinConfidence, Max: rules.MaxConfidence}

// Engine is the differential privacy façade. It is safe for concurrent
// use; all shared state lives in the budget manager and the noise
// generator, each with its own serialization.
type Engine struct {
	budget *budget.Manager
	noise  *noise.Generator
	logger *logging.Logger
}

// New creates an engine over a budget manager and noise generator.
func New(budgetManager *budget.Manager, generator *noise.Generator) *Engine {
	if generator == nil {
		generator = noise.NewGenerator()
	}
	return &Engine{
		budget: budgetManager,
		noise:  generator,
		logger: logging.GetGlobalLogger().WithComponent("engine"),
	}
}

// ProtectRule protects one rule's confidence with the Laplace mechanism.
//
// The confidence domain is [0, 1], so sensitivity is 1.0, drawn against
// the Medium epsilon allocation. On budget exhaustion the result is nil
// with a nil error: the rule could not be protected and must be dropped or
// deferred, never released unprotected. A non-nil error reports storage or
// argument failures only.
func (e *Engine) ProtectRule(ctx context.Context, rule *rules.LearnedRule) (*PrivateRule, error) {
	epsilon := e.budget.GetEpsilon(sensitivity.Medium)

	ok, err := e.budget.Consume(ctx, epsilon, sensitivity.Medium, opProtectRule)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	sample, err := e.noise.Generate(sensitivity.ForConfidence(), epsilon, 0)
	if err != nil {
		return nil, err
	}

	return &PrivateRule{
		OriginalID:         rule.ID,
		Type:               rule.Type,
		PatternHash:        HashPattern(rule.Pattern),
		Category:           rule.Category,
		NoisyConfidence:    confidenceBounds.Clamp(rule.Confidence + sample),
		OriginalConfidence: rule.Confidence,
		NoiseAdded:         sample,
		Epsilon:            epsilon,
		Level:              sensitivity.Medium,
		ProtectedAt:        time.Now(),
	}, nil
}

// ProtectRules protects a batch in order, stopping at the first budget
// exhaustion and returning the rules protected so far. Partial protection
// is reported structurally: len(result) < len(batch).
func (e *Engine) ProtectRules(ctx context.Context, batch []*rules.LearnedRule) ([]*PrivateRule, error) {
	protected := make([]*PrivateRule, 0, len(batch))
	for _, rule := range batch {
		p, err := e.ProtectRule(ctx, rule)
		if err != nil {
			return protected, err
		}
		if p == nil {
			e.logger.Warn("budget exhausted mid-batch", map[string]interface{}{
				"protected": len(protected),
				"requested": len(batch),
			})
			break
		}
		protected = append(protected, p)
	}
	return protected, nil
}

// ProtectNumericValue adds calibrated noise to a bounded numeric value and
// clamps the result back into [minValue, maxValue]. ok is false when the
// budget refused the spend.
func (e *Engine) ProtectNumericValue(ctx context.Context, value, minValue, maxValue float64, level sensitivity.Level) (float64, bool, error) {
	epsilon := e.budget.GetEpsilon(level)

	ok, err := e.budget.Consume(ctx, epsilon, level, opProtectValue)
	if err != nil || !ok {
		return 0, false, err
	}

	noisy, err := e.noise.AddNoise(value, sensitivity.ForNumericValue(minValue, maxValue), epsilon,
		&noise.Bounds{Min: minValue, Max: maxValue})
	if err != nil {
		return 0, false, err
	}
	return noisy, true, nil
}

// ProtectMeanQuery protects a mean computed over n records with a bounded
// value domain. Fails with an error for n <= 0.
func (e *Engine) ProtectMeanQuery(ctx context.Context, mean, minValue, maxValue float64, n int, level sensitivity.Level) (float64, bool, error) {
	delta, err := sensitivity.ForMean(minValue, maxValue, n)
	if err != nil {
		return 0, false, err
	}
	epsilon := e.budget.GetEpsilon(level)

	ok, err := e.budget.Consume(ctx, epsilon, level, opProtectMean)
	if err != nil || !ok {
		return 0, false, err
	}

	noisy, err := e.noise.AddNoise(mean, delta, epsilon, &noise.Bounds{Min: minValue, Max: maxValue})
	if err != nil {
		return 0, false, err
	}
	return noisy, true, nil
}

// ProtectCountQuery protects a count. Counts are Low sensitivity by
// convention; negative noisy counts clamp to zero.
func (e *Engine) ProtectCountQuery(ctx context.Context, count int) (float64, bool, error) {
	epsilon := e.budget.GetEpsilon(sensitivity.Low)

	ok, err := e.budget.Consume(ctx, epsilon, sensitivity.Low, opProtectCount)
	if err != nil || !ok {
		return 0, false, err
	}

	sample, err := e.noise.Generate(sensitivity.ForCount(), epsilon, 0)
	if err != nil {
		return 0, false, err
	}
	noisy := float64(count) + sample
	if noisy < 0 {
		noisy = 0
	}
	return noisy, true, nil
}

// ProtectHistogram protects every bucket of a histogram with per-bucket
// Laplace noise at the Low allocation.
//
// The whole histogram's cost (epsilon × buckets) is pre-checked against
// the remaining budget so a request that cannot complete spends nothing.
// The loop may still stop early if another caller exhausts the budget
// mid-iteration; the buckets protected so far are returned. That is a
// known relaxation of the all-or-nothing intent, accepted because the
// pre-check makes it rare and rolling back spent epsilon is not sound.
func (e *Engine) ProtectHistogram(ctx context.Context, buckets map[string]float64) (map[string]float64, bool, error) {
	epsilon := e.budget.GetEpsilon(sensitivity.Low)
	if !e.HasSufficientBudget(epsilon * float64(len(buckets))) {
		return nil, false, nil
	}

	labels := make([]string, 0, len(buckets))
	for label := range buckets {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	protected := make(map[string]float64, len(buckets))
	for _, label := range labels {
		ok, err := e.budget.Consume(ctx, epsilon, sensitivity.Low, opProtectBucket)
		if err != nil {
			return protected, len(protected) == len(buckets), err
		}
		if !ok {
			e.logger.Warn("budget exhausted mid-histogram", map[string]interface{}{
				"protected": len(protected),
				"requested": len(buckets),
			})
			return protected, false, nil
		}

		sample, err := e.noise.Generate(sensitivity.ForHistogram(), epsilon, 0)
		if err != nil {
			return protected, false, err
		}
		noisy := buckets[label] + sample
		if noisy < 0 {
			noisy = 0
		}
		protected[label] = noisy
	}
	return protected, true, nil
}

// EstimateBudgetRequired returns the epsilon cost of n operations at a
// level. Read-only.
func (e *Engine) EstimateBudgetRequired(n int, level sensitivity.Level) float64 {
	if n <= 0 {
		return 0
	}
	return e.budget.GetEpsilon(level) * float64(n)
}

// HasSufficientBudget reports whether epsilon more consumption would fit.
// Read-only and advisory; the binding check happens inside each consume.
func (e *Engine) HasSufficientBudget(epsilon float64) bool {
	return e.budget.CanConsume(epsilon)
}
