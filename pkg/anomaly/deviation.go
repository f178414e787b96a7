// Package anomaly implements statistical outlier detection over learned
// rule batches, plus the bloom-filter duplicate-submission guard.
//
// Detection is robust in the median/σ style: a per-batch baseline of
// median, mean, and population standard deviation is computed once, then
// each rule's confidence is scored by its distance from the median in σ
// units. Rules exceeding the configured sigma threshold are flagged and,
// when a contributor is identified, fed to the reputation tracker.
package anomaly

import (
	"math"
	"sort"
)

// Statistics is the per-batch deviation baseline, computed once and shared
// read-only by every per-rule evaluation in that batch.
type Statistics struct {
	Median float64 `json:"median"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

// Deviation describes one value's distance from a batch baseline. Derived
// per rule, never persisted.
type Deviation struct {
	FromMedian float64 `json:"deviation_from_median"`
	FromMean   float64 `json:"deviation_from_mean"`
	Multiple   float64 `json:"deviation_multiple"` // σ units from the median
	ZScore     float64 `json:"z_score"`
}

// CalculateStatistics computes the deviation baseline for a value
// population. Empty input yields a zeroed struct rather than an error;
// degenerate batches must never break the detection pipeline.
//
// The standard deviation is the population form (divide by N, not N-1):
// the batch is treated as the whole population under test, not a sample
// from a larger one.
func CalculateStatistics(values []float64) Statistics {
	if len(values) == 0 {
		return Statistics{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(sorted))

	return Statistics{
		Median: median(sorted),
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Count:  len(sorted),
	}
}

// median interpolates between the two middle elements for even counts.
// Input must be sorted and non-empty.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// CalculateDeviation scores one confidence value against a baseline.
//
// A zero standard deviation makes the multiple and z-score 0: a population
// with no variance cannot statistically distinguish outliers, so
// all-identical inputs are non-anomalous by definition.
func CalculateDeviation(confidence float64, stats Statistics) Deviation {
	fromMedian := math.Abs(confidence - stats.Median)
	dev := Deviation{
		FromMedian: fromMedian,
		FromMean:   math.Abs(confidence - stats.Mean),
	}
	if stats.StdDev > 0 {
		dev.Multiple = fromMedian / stats.StdDev
		dev.ZScore = (confidence - stats.Mean) / stats.StdDev
	}
	return dev
}

// IQR holds the quartile summary and Tukey fences of a value population.
type IQR struct {
	Q1         float64 `json:"q1"`
	Q2         float64 `json:"q2"`
	Q3         float64 `json:"q3"`
	IQR        float64 `json:"iqr"`
	LowerFence float64 `json:"lower_fence"`
	UpperFence float64 `json:"upper_fence"`
}

// CalculateIQR computes quartiles by nearest rank (floor(n·p), clamped)
// and the standard 1.5·IQR Tukey fences.
func CalculateIQR(values []float64) IQR {
	if len(values) == 0 {
		return IQR{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1 := nearestRank(sorted, 0.25)
	q2 := nearestRank(sorted, 0.50)
	q3 := nearestRank(sorted, 0.75)
	iqr := q3 - q1

	return IQR{
		Q1:         q1,
		Q2:         q2,
		Q3:         q3,
		IQR:        iqr,
		LowerFence: q1 - 1.5*iqr,
		UpperFence: q3 + 1.5*iqr,
	}
}

func nearestRank(sorted []float64, p float64) float64 {
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
