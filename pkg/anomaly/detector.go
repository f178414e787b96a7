package anomaly

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheEntropyCollective/noiseguard/pkg/common/logging"
	"github.com/TheEntropyCollective/noiseguard/pkg/core/rules"
)

// Detection constants.
const (
	// DefaultSigmaThreshold flags values more than 3σ from the batch
	// median, the conventional three-sigma rule.
	DefaultSigmaThreshold = 3.0

	// DefaultMinSampleSize is the smallest reference population IsAnomaly
	// accepts as statistically meaningful.
	DefaultMinSampleSize = 10
)

// Config holds anomaly detector configuration. Fields are read under the
// detector's lock and may be swapped at runtime via SetConfig.
type Config struct {
	// SigmaThreshold is the deviation multiple above which a rule is
	// classified anomalous.
	SigmaThreshold float64 `json:"sigma_threshold"`

	// MinSampleSize is the minimum reference population for the ad-hoc
	// IsAnomaly check. Smaller populations yield "not anomalous" for lack
	// of evidence.
	MinSampleSize int `json:"min_sample_size"`

	// EnableUserTracking controls whether classifications are reported to
	// the reputation tracker when a contributor id is supplied.
	EnableUserTracking bool `json:"enable_user_tracking"`
}

// DefaultConfig returns the default detection configuration.
func DefaultConfig() *Config {
	return &Config{
		SigmaThreshold:     DefaultSigmaThreshold,
		MinSampleSize:      DefaultMinSampleSize,
		EnableUserTracking: true,
	}
}

// ReputationTracker is the reputation surface the detector reports into.
// Implemented by reputation.Tracker; a nil tracker disables reporting.
type ReputationTracker interface {
	RecordAnomaly(userID string) error
	RecordNormalContribution(userID string) error
	CanContribute(userID string) bool
}

// FlaggedRule records one anomalous classification.
type FlaggedRule struct {
	ID                string             `json:"id"`
	Rule              *rules.LearnedRule `json:"rule"`
	Deviation         Deviation          `json:"deviation"`
	DeviationMultiple float64            `json:"deviation_multiple"`
	DetectedAt        time.Time          `json:"detected_at"`
}

// Result is the outcome of one detection pass over a batch.
type Result struct {
	NormalRules    []*rules.LearnedRule `json:"normal_rules"`
	AnomalousRules []*FlaggedRule       `json:"anomalous_rules"`
	Statistics     Statistics           `json:"statistics"`
}

// Detector classifies rule batches against a per-batch statistical
// baseline. Each Detect call is stateless with respect to prior calls;
// the only side effects flow through the reputation tracker.
type Detector struct {
	config  *Config
	tracker ReputationTracker
	logger  *logging.Logger
	mu      sync.RWMutex
}

// NewDetector creates a detector. tracker may be nil for detection without
// reputation side effects.
func NewDetector(config *Config, tracker ReputationTracker) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		config:  config,
		tracker: tracker,
		logger:  logging.GetGlobalLogger().WithComponent("anomaly"),
	}
}

// SetConfig swaps the detection configuration. Nil configs are ignored.
func (d *Detector) SetConfig(config *Config) {
	if config == nil {
		return
	}
	d.mu.Lock()
	d.config = config
	d.mu.Unlock()
}

// Config returns the active configuration. Detection paths snapshot it
// once at entry, so a concurrent swap applies from the next call.
func (d *Detector) Config() *Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Detect classifies a batch of rules. The baseline is computed over this
// batch only; history enters the picture solely through reputation state.
//
// Empty input returns a zeroed result with no side effects. Degenerate
// batches (zero variance) classify everything as normal. When userID is
// non-empty and tracking is enabled, every classification is reported to
// the tracker; tracker persistence failures are collected and returned
// alongside the full result, never used to drop rules.
func (d *Detector) Detect(batch []*rules.LearnedRule, userID string) (*Result, error) {
	result := &Result{
		NormalRules:    []*rules.LearnedRule{},
		AnomalousRules: []*FlaggedRule{},
	}
	if len(batch) == 0 {
		return result, nil
	}

	cfg := d.Config()
	result.Statistics = CalculateStatistics(rules.Confidences(batch))

	var trackerErrs []error
	for _, rule := range batch {
		dev := CalculateDeviation(rule.Confidence, result.Statistics)
		anomalous := dev.Multiple > cfg.SigmaThreshold

		if anomalous {
			result.AnomalousRules = append(result.AnomalousRules, &FlaggedRule{
				ID:                uuid.NewString(),
				Rule:              rule,
				Deviation:         dev,
				DeviationMultiple: dev.Multiple,
				DetectedAt:        time.Now(),
			})
		} else {
			result.NormalRules = append(result.NormalRules, rule)
		}

		if err := d.report(cfg, userID, anomalous); err != nil {
			trackerErrs = append(trackerErrs, err)
		}
	}

	if len(result.AnomalousRules) > 0 {
		d.logger.Warn("anomalous rules detected", map[string]interface{}{
			"batch_size": len(batch),
			"flagged":    len(result.AnomalousRules),
			"median":     result.Statistics.Median,
			"std_dev":    result.Statistics.StdDev,
		})
	}

	return result, errors.Join(trackerErrs...)
}

// DetectByUser evaluates several contributors' batches against one shared
// baseline built over the union of all their rules. A single contributor
// cannot skew their own baseline to hide outliers.
//
// Contributors the tracker already isolates are short-circuited: all their
// rules are flagged without statistical evaluation and without further
// reputation updates.
func (d *Detector) DetectByUser(batches map[string][]*rules.LearnedRule) (map[string]*Result, error) {
	results := make(map[string]*Result, len(batches))

	var all []*rules.LearnedRule
	for _, batch := range batches {
		all = append(all, batch...)
	}
	if len(all) == 0 {
		return results, nil
	}
	cfg := d.Config()
	global := CalculateStatistics(rules.Confidences(all))

	var trackerErrs []error
	for userID, batch := range batches {
		if d.tracker != nil && !d.tracker.CanContribute(userID) {
			results[userID] = d.flagAll(batch, global)
			continue
		}

		result := &Result{
			NormalRules:    []*rules.LearnedRule{},
			AnomalousRules: []*FlaggedRule{},
			Statistics:     global,
		}
		for _, rule := range batch {
			dev := CalculateDeviation(rule.Confidence, global)
			anomalous := dev.Multiple > cfg.SigmaThreshold

			if anomalous {
				result.AnomalousRules = append(result.AnomalousRules, &FlaggedRule{
					ID:                uuid.NewString(),
					Rule:              rule,
					Deviation:         dev,
					DeviationMultiple: dev.Multiple,
					DetectedAt:        time.Now(),
				})
			} else {
				result.NormalRules = append(result.NormalRules, rule)
			}

			if err := d.report(cfg, userID, anomalous); err != nil {
				trackerErrs = append(trackerErrs, err)
			}
		}
		results[userID] = result
	}

	return results, errors.Join(trackerErrs...)
}

// IsAnomaly checks one rule against an arbitrary reference population with
// no side effects. Reference populations smaller than MinSampleSize carry
// too little evidence and yield false.
func (d *Detector) IsAnomaly(rule *rules.LearnedRule, reference []*rules.LearnedRule) bool {
	cfg := d.Config()
	if rule == nil || len(reference) < cfg.MinSampleSize {
		return false
	}
	stats := CalculateStatistics(rules.Confidences(reference))
	dev := CalculateDeviation(rule.Confidence, stats)
	return dev.Multiple > cfg.SigmaThreshold
}

// DetectOutliersUsingIQR is an alternative detector based on Tukey fences,
// independent of the σ-based classification. Kept off the hot path; used
// for cross-validation of threshold tuning.
func (d *Detector) DetectOutliersUsingIQR(batch []*rules.LearnedRule) []*rules.LearnedRule {
	if len(batch) == 0 {
		return nil
	}
	fences := CalculateIQR(rules.Confidences(batch))

	var outliers []*rules.LearnedRule
	for _, rule := range batch {
		if rule.Confidence < fences.LowerFence || rule.Confidence > fences.UpperFence {
			outliers = append(outliers, rule)
		}
	}
	return outliers
}

// flagAll marks every rule of an isolated contributor anomalous without
// evaluation.
func (d *Detector) flagAll(batch []*rules.LearnedRule, stats Statistics) *Result {
	result := &Result{
		NormalRules:    []*rules.LearnedRule{},
		AnomalousRules: make([]*FlaggedRule, 0, len(batch)),
		Statistics:     stats,
	}
	now := time.Now()
	for _, rule := range batch {
		result.AnomalousRules = append(result.AnomalousRules, &FlaggedRule{
			ID:         uuid.NewString(),
			Rule:       rule,
			DetectedAt: now,
		})
	}
	return result
}

// report forwards one classification to the tracker when tracking applies.
func (d *Detector) report(cfg *Config, userID string, anomalous bool) error {
	if d.tracker == nil || userID == "" || !cfg.EnableUserTracking {
		return nil
	}
	if anomalous {
		return d.tracker.RecordAnomaly(userID)
	}
	return d.tracker.RecordNormalContribution(userID)
}
