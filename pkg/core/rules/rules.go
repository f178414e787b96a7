// Package rules defines the learned-rule model shared by the anomaly
// detection and differential privacy subsystems.
//
// A LearnedRule is the unit of contribution in collaborative learning: a
// behavioral pattern mined on a contributor's device, carrying a confidence
// score in [0, 1]. Rules are immutable inputs to this core; the anomaly
// detector filters them and the privacy engine transforms them into
// upload-safe PrivateRule projections before anything crosses the trust
// boundary.
package rules

import (
	"errors"
	"fmt"
)

// Rule type constants for broad rule classification.
const (
	TypeCategoryMapping = "category_mapping" // merchant/pattern → category rules
	TypeAmountPattern   = "amount_pattern"   // recurring amount heuristics
	TypeTimePattern     = "time_pattern"     // time-of-day / periodicity rules
	TypeKeywordMatch    = "keyword_match"    // free-text keyword rules
)

// Confidence bounds for learned rules. Confidence outside this range is a
// caller bug, not a statistical outlier.
const (
	MinConfidence = 0.0
	MaxConfidence = 1.0
)

var (
	// ErrEmptyID indicates a rule without an identifier.
	ErrEmptyID = errors.New("rule id must not be empty")

	// ErrEmptyPattern indicates a rule without a pattern.
	ErrEmptyPattern = errors.New("rule pattern must not be empty")
)

// LearnedRule is a single behavioral rule contributed to the shared model.
// Instances are owned by the caller and treated as immutable here.
type LearnedRule struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Pattern    string  `json:"pattern"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Validate checks structural validity of a rule. Confidence range errors
// are reported explicitly rather than clamped so that malformed producers
// surface early.
func (r *LearnedRule) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}
	if r.Pattern == "" {
		return ErrEmptyPattern
	}
	if r.Confidence < MinConfidence || r.Confidence > MaxConfidence {
		return fmt.Errorf("rule %s: confidence %.4f outside [%v, %v]",
			r.ID, r.Confidence, MinConfidence, MaxConfidence)
	}
	return nil
}

// Confidences extracts the confidence values of a rule slice, preserving
// order. Used to build per-batch deviation statistics.
func Confidences(list []*LearnedRule) []float64 {
	values := make([]float64, len(list))
	for i, r := range list {
		values[i] = r.Confidence
	}
	return values
}
