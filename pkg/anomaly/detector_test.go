package anomaly

import (
	"errors"
	"sync"
	"testing"

	"github.com/TheEntropyCollective/noiseguard/pkg/core/rules"
)

// fakeTracker records reputation calls for assertions.
type fakeTracker struct {
	anomalies map[string]int
	normals   map[string]int
	isolated  map[string]bool
	err       error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		anomalies: make(map[string]int),
		normals:   make(map[string]int),
		isolated:  make(map[string]bool),
	}
}

func (f *fakeTracker) RecordAnomaly(userID string) error {
	f.anomalies[userID]++
	return f.err
}

func (f *fakeTracker) RecordNormalContribution(userID string) error {
	f.normals[userID]++
	return f.err
}

func (f *fakeTracker) CanContribute(userID string) bool {
	return !f.isolated[userID]
}

func batchOf(confidences ...float64) []*rules.LearnedRule {
	batch := make([]*rules.LearnedRule, len(confidences))
	for i, c := range confidences {
		batch[i] = &rules.LearnedRule{
			ID:         "r" + string(rune('a'+i)),
			Type:       rules.TypeCategoryMapping,
			Pattern:    "pattern",
			Category:   "food",
			Confidence: c,
		}
	}
	return batch
}

func TestDetectEmptyBatch(t *testing.T) {
	tracker := newFakeTracker()
	d := NewDetector(nil, tracker)

	result, err := d.Detect(nil, "alice")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(result.NormalRules) != 0 || len(result.AnomalousRules) != 0 {
		t.Errorf("empty batch should yield empty result, got %+v", result)
	}
	if len(tracker.anomalies) != 0 || len(tracker.normals) != 0 {
		t.Error("empty batch must have no reputation side effects")
	}
}

func TestDetectOutlierBatch(t *testing.T) {
	// One gross outlier among tight agreement. The outlier sits ~2.3σ
	// from the median (a 4-element population bounds how many σ any
	// member can reach), so the threshold is set below that.
	d := NewDetector(&Config{SigmaThreshold: 2.0, MinSampleSize: 4, EnableUserTracking: true}, nil)

	result, err := d.Detect(batchOf(0.9, 0.91, 0.89, 0.05), "")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}

	if len(result.AnomalousRules) != 1 {
		t.Fatalf("flagged %d rules, want 1", len(result.AnomalousRules))
	}
	if got := result.AnomalousRules[0].Rule.Confidence; got != 0.05 {
		t.Errorf("flagged rule confidence = %v, want 0.05", got)
	}
	if len(result.NormalRules) != 3 {
		t.Errorf("normal rules = %d, want 3", len(result.NormalRules))
	}
	if result.Statistics.Median < 0.89 || result.Statistics.Median > 0.91 {
		t.Errorf("median = %v, want ~0.895", result.Statistics.Median)
	}
	if result.AnomalousRules[0].DeviationMultiple <= 2.0 {
		t.Errorf("deviation multiple = %v, want > 2.0", result.AnomalousRules[0].DeviationMultiple)
	}
}

func TestDetectZeroVarianceBatch(t *testing.T) {
	d := NewDetector(nil, nil)

	// A population with no variance cannot distinguish outliers; all
	// rules are normal by policy.
	result, err := d.Detect(batchOf(0.8, 0.8, 0.8, 0.8), "")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(result.AnomalousRules) != 0 {
		t.Errorf("zero-variance batch flagged %d rules, want 0", len(result.AnomalousRules))
	}
}

func TestDetectReportsToTracker(t *testing.T) {
	tracker := newFakeTracker()
	d := NewDetector(&Config{SigmaThreshold: 2.0, MinSampleSize: 4, EnableUserTracking: true}, tracker)

	if _, err := d.Detect(batchOf(0.9, 0.91, 0.89, 0.05), "alice"); err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if tracker.anomalies["alice"] != 1 {
		t.Errorf("recorded %d anomalies, want 1", tracker.anomalies["alice"])
	}
	if tracker.normals["alice"] != 3 {
		t.Errorf("recorded %d normal contributions, want 3", tracker.normals["alice"])
	}
}

func TestDetectNoTrackingWithoutUserID(t *testing.T) {
	tracker := newFakeTracker()
	d := NewDetector(&Config{SigmaThreshold: 2.0, MinSampleSize: 4, EnableUserTracking: true}, tracker)

	if _, err := d.Detect(batchOf(0.9, 0.91, 0.89, 0.05), ""); err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(tracker.anomalies) != 0 || len(tracker.normals) != 0 {
		t.Error("detection without a user id must not touch the tracker")
	}
}

func TestDetectTrackingDisabled(t *testing.T) {
	tracker := newFakeTracker()
	d := NewDetector(&Config{SigmaThreshold: 2.0, MinSampleSize: 4, EnableUserTracking: false}, tracker)

	if _, err := d.Detect(batchOf(0.9, 0.91, 0.89, 0.05), "alice"); err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if len(tracker.anomalies) != 0 || len(tracker.normals) != 0 {
		t.Error("tracking disabled must not touch the tracker")
	}
}

func TestDetectTrackerErrorKeepsResult(t *testing.T) {
	tracker := newFakeTracker()
	tracker.err = errors.New("storage down")
	d := NewDetector(&Config{SigmaThreshold: 2.0, MinSampleSize: 4, EnableUserTracking: true}, tracker)

	result, err := d.Detect(batchOf(0.9, 0.91, 0.89, 0.05), "alice")
	if err == nil {
		t.Fatal("tracker failures should surface as an error")
	}
	// The classification itself is complete despite the error.
	if len(result.NormalRules)+len(result.AnomalousRules) != 4 {
		t.Errorf("incomplete classification alongside tracker error: %+v", result)
	}
}

func TestDetectByUserSharedBaseline(t *testing.T) {
	tracker := newFakeTracker()
	d := NewDetector(&Config{SigmaThreshold: 2.0, MinSampleSize: 4, EnableUserTracking: true}, tracker)

	// mallory's rules agree with each other but sit far from everyone
	// else. Against mallory's own batch nothing would be flagged; the
	// shared baseline catches it.
	batches := map[string][]*rules.LearnedRule{
		"alice":   batchOf(0.9, 0.91, 0.89, 0.9, 0.92, 0.88, 0.9, 0.91),
		"bob":     batchOf(0.87, 0.9, 0.93, 0.89, 0.9, 0.91, 0.9, 0.88),
		"mallory": batchOf(0.02, 0.03),
	}

	results, err := d.DetectByUser(batches)
	if err != nil {
		t.Fatalf("DetectByUser returned error: %v", err)
	}

	if flagged := len(results["mallory"].AnomalousRules); flagged != 2 {
		t.Errorf("mallory flagged %d rules, want 2", flagged)
	}
	if flagged := len(results["alice"].AnomalousRules); flagged != 0 {
		t.Errorf("alice flagged %d rules, want 0", flagged)
	}
	if flagged := len(results["bob"].AnomalousRules); flagged != 0 {
		t.Errorf("bob flagged %d rules, want 0", flagged)
	}

	// All users share the same statistics snapshot.
	if results["alice"].Statistics != results["mallory"].Statistics {
		t.Error("per-user results must share one global baseline")
	}
}

func TestDetectByUserIsolatedShortCircuit(t *testing.T) {
	tracker := newFakeTracker()
	tracker.isolated["mallory"] = true
	d := NewDetector(&Config{SigmaThreshold: 2.0, MinSampleSize: 4, EnableUserTracking: true}, tracker)

	batches := map[string][]*rules.LearnedRule{
		"alice":   batchOf(0.9, 0.91, 0.89),
		"mallory": batchOf(0.9, 0.9, 0.9), // indistinguishable values
	}

	results, err := d.DetectByUser(batches)
	if err != nil {
		t.Fatalf("DetectByUser returned error: %v", err)
	}

	// Everything from an isolated contributor is flagged, however
	// ordinary the values look.
	if flagged := len(results["mallory"].AnomalousRules); flagged != 3 {
		t.Errorf("isolated contributor flagged %d rules, want 3", flagged)
	}
	// And none of it consumes tracker updates.
	if tracker.anomalies["mallory"] != 0 {
		t.Errorf("isolated contributor got %d reputation updates, want 0", tracker.anomalies["mallory"])
	}
}

func TestIsAnomaly(t *testing.T) {
	d := NewDetector(&Config{SigmaThreshold: 2.0, MinSampleSize: 10, EnableUserTracking: false}, nil)

	reference := batchOf(0.9, 0.91, 0.89, 0.9, 0.92, 0.88, 0.9, 0.91, 0.89, 0.9)
	outlier := &rules.LearnedRule{ID: "x", Pattern: "p", Confidence: 0.05}
	inlier := &rules.LearnedRule{ID: "y", Pattern: "p", Confidence: 0.9}

	if !d.IsAnomaly(outlier, reference) {
		t.Error("gross outlier not flagged against tight reference population")
	}
	if d.IsAnomaly(inlier, reference) {
		t.Error("inlier flagged against matching reference population")
	}

	// Too little reference data: insufficient evidence, never anomalous.
	if d.IsAnomaly(outlier, batchOf(0.9, 0.91)) {
		t.Error("small reference population must yield false")
	}
}

func TestConcurrentDetectAndSetConfig(t *testing.T) {
	// Hot reload swaps the config from the watcher goroutine while
	// detection runs; exercised under -race.
	d := NewDetector(nil, newFakeTracker())
	batch := batchOf(0.9, 0.91, 0.89, 0.05)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			d.SetConfig(&Config{
				SigmaThreshold:     2.0 + float64(i%2),
				MinSampleSize:      4,
				EnableUserTracking: true,
			})
		}
	}()

	for i := 0; i < 200; i++ {
		if _, err := d.Detect(batch, "alice"); err != nil {
			t.Errorf("Detect returned error: %v", err)
			break
		}
		d.IsAnomaly(batch[3], batch)
	}
	close(stop)
	wg.Wait()

	if got := d.Config(); got == nil {
		t.Fatal("Config returned nil after concurrent swaps")
	}
}

func TestDetectOutliersUsingIQR(t *testing.T) {
	d := NewDetector(nil, nil)

	outliers := d.DetectOutliersUsingIQR(batchOf(0.9, 0.91, 0.89, 0.05))
	if len(outliers) != 1 {
		t.Fatalf("IQR detector flagged %d rules, want 1", len(outliers))
	}
	if outliers[0].Confidence != 0.05 {
		t.Errorf("IQR detector flagged confidence %v, want 0.05", outliers[0].Confidence)
	}

	if got := d.DetectOutliersUsingIQR(nil); got != nil {
		t.Errorf("empty batch should yield nil, got %v", got)
	}
}
