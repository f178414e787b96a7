// Package sensitivity provides global sensitivity (Δf) calculations for the
// query shapes supported by the differential privacy engine, plus the
// data-type → sensitivity-level classification that decides which epsilon
// allocation a query draws from.
//
// All functions here are pure: they neither consume privacy budget nor
// touch any shared state. Sensitivity is the maximum change a single
// individual's data can cause in a query result; the Laplace mechanism
// scales its noise to Δf/ε, so getting Δf right is what makes the privacy
// guarantee hold.
package sensitivity

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Level classifies how privacy-sensitive a data field is. More sensitive
// fields are protected with smaller epsilon values (more noise).
type Level int

const (
	// High covers fields that directly identify financial behavior:
	// amounts, balances, merchant names.
	High Level = iota

	// Medium covers derived or categorical fields: categories, rule
	// confidences, patterns. Also the fail-safe default for unknown types.
	Medium

	// Low covers aggregate, low-resolution fields: counts, bucketed
	// statistics, coarse time buckets.
	Low
)

// String returns the level name used in logs and audit records.
func (l Level) String() string {
	switch l {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// Levels lists all sensitivity levels, highest first.
func Levels() []Level {
	return []Level{High, Medium, Low}
}

// ParseLevel parses a level name as produced by String. Unknown names
// return an error.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "high":
		return High, nil
	case "medium":
		return Medium, nil
	case "low":
		return Low, nil
	default:
		return Medium, fmt.Errorf("unknown sensitivity level: %s", name)
	}
}

// MarshalText encodes the level as its name, so JSON maps keyed by Level
// read as "high", "medium", "low" instead of integers.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ErrNonPositiveCount is returned when a record count must be positive.
var ErrNonPositiveCount = errors.New("record count must be positive")

// ForCount returns the sensitivity of a counting query. Adding or removing
// one individual changes a count by at most 1.
func ForCount() float64 {
	return 1.0
}

// ForHistogram returns the per-bucket sensitivity of a histogram query.
// One individual lands in exactly one bucket, so each bucket count changes
// by at most 1.
func ForHistogram() float64 {
	return 1.0
}

// ForConfidence returns the sensitivity of a rule confidence value. The
// confidence domain is [0, 1], so one contribution moves it by at most 1.
func ForConfidence() float64 {
	return 1.0
}

// ForNumericValue returns the sensitivity of a query over a bounded numeric
// value: the width of its domain.
func ForNumericValue(minValue, maxValue float64) float64 {
	return math.Abs(maxValue - minValue)
}

// ForMean returns the sensitivity of a mean query over n records with a
// bounded value domain. One record shifts the mean by at most range/n.
func ForMean(minValue, maxValue float64, n int) (float64, error) {
	if n <= 0 {
		return 0, ErrNonPositiveCount
	}
	return math.Abs(maxValue-minValue) / float64(n), nil
}

// ForSum returns the sensitivity of a sum query: the largest magnitude a
// single record can contribute.
func ForSum(minValue, maxValue float64) float64 {
	return math.Max(math.Abs(minValue), math.Abs(maxValue))
}

// ForRatio returns the sensitivity of a ratio (proportion) query over n
// records. One record moves a proportion by at most 1/n.
func ForRatio(n int) (float64, error) {
	if n <= 0 {
		return 0, ErrNonPositiveCount
	}
	return 1.0 / float64(n), nil
}

// ForSequentialComposition returns the combined sensitivity of queries run
// serially over overlapping data. Sensitivities (and epsilons) accumulate
// additively under sequential composition.
func ForSequentialComposition(sensitivities []float64) float64 {
	total := 0.0
	for _, s := range sensitivities {
		total += s
	}
	return total
}

// ForParallelComposition returns the combined sensitivity of queries over
// disjoint partitions of the data. An individual appears in exactly one
// partition, so only the largest single sensitivity applies.
func ForParallelComposition(sensitivities []float64) float64 {
	max := 0.0
	for _, s := range sensitivities {
		if s > max {
			max = s
		}
	}
	return max
}

// classification table for ClassifyDataType. Keys are matched as
// case-insensitive substrings of the field name.
var levelByKeyword = []struct {
	keyword string
	level   Level
}{
	{"amount", High},
	{"balance", High},
	{"merchant", High},
	{"category", Medium},
	{"confidence", Medium},
	{"pattern", Medium},
	{"count", Low},
	{"statistic", Low},
	{"time_bucket", Low},
	{"timebucket", Low},
}

// ClassifyDataType maps a data field name to its sensitivity level.
// Unknown names default to Medium: treating unclassified data as somewhat
// sensitive is the fail-safe direction.
func ClassifyDataType(name string) Level {
	lowered := strings.ToLower(name)
	for _, entry := range levelByKeyword {
		if strings.Contains(lowered, entry.keyword) {
			return entry.level
		}
	}
	return Medium
}
