package anomaly

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Duplicate detection constants.
const (
	DefaultDuplicateWindow   = 1 * time.Hour
	DefaultMaxDuplicates     = 3
	DefaultExpectedRules     = 10000
	DefaultFalsePositiveRate = 0.01
)

// DuplicateGuard detects repeated identical rule submissions. Resubmitting
// the same rule over and over is an abuse vector distinct from statistical
// outliers: it inflates a pattern's apparent support without tripping the
// σ-based detector.
//
// A bloom filter gives a cheap negative check over everything seen in the
// window; only probable duplicates are tracked exactly.
type DuplicateGuard struct {
	window        time.Duration
	maxDuplicates int

	filter *bloom.BloomFilter
	counts map[string]*duplicateRecord
	mu     sync.Mutex
}

// duplicateRecord tracks exact occurrences of one submission hash.
type duplicateRecord struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// DuplicateGuardConfig holds duplicate guard configuration.
type DuplicateGuardConfig struct {
	Window            time.Duration
	MaxDuplicates     int
	ExpectedRules     uint
	FalsePositiveRate float64
}

// DefaultDuplicateGuardConfig returns the default configuration.
func DefaultDuplicateGuardConfig() *DuplicateGuardConfig {
	return &DuplicateGuardConfig{
		Window:            DefaultDuplicateWindow,
		MaxDuplicates:     DefaultMaxDuplicates,
		ExpectedRules:     DefaultExpectedRules,
		FalsePositiveRate: DefaultFalsePositiveRate,
	}
}

// NewDuplicateGuard creates a duplicate guard.
func NewDuplicateGuard(config *DuplicateGuardConfig) *DuplicateGuard {
	if config == nil {
		config = DefaultDuplicateGuardConfig()
	}
	return &DuplicateGuard{
		window:        config.Window,
		maxDuplicates: config.MaxDuplicates,
		filter:        bloom.NewWithEstimates(config.ExpectedRules, config.FalsePositiveRate),
		counts:        make(map[string]*duplicateRecord),
	}
}

// Check records one submission and reports whether it exceeds the allowed
// duplicate count within the window. The hash covers contributor, pattern,
// and category, so the same pattern from different contributors is not a
// duplicate.
func (g *DuplicateGuard) Check(userID, pattern, category string) bool {
	hash := submissionHash(userID, pattern, category)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if !g.filter.TestString(hash) {
		g.filter.AddString(hash)
		return false
	}

	rec, ok := g.counts[hash]
	if !ok || now.Sub(rec.firstSeen) > g.window {
		// First confirmed repeat, or the previous window expired. Count
		// restarts at 2 because the bloom hit means we saw it once before.
		g.counts[hash] = &duplicateRecord{count: 2, firstSeen: now, lastSeen: now}
		return false
	}

	rec.count++
	rec.lastSeen = now
	return rec.count > g.maxDuplicates
}

// Cleanup drops exact-count records older than the window. The bloom
// filter is rebuilt when the map empties; bloom filters cannot forget
// individual entries.
func (g *DuplicateGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.window)
	for hash, rec := range g.counts {
		if rec.lastSeen.Before(cutoff) {
			delete(g.counts, hash)
		}
	}
	if len(g.counts) == 0 {
		g.filter.ClearAll()
	}
}

// TrackedCount returns the number of submission hashes under exact
// tracking.
func (g *DuplicateGuard) TrackedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.counts)
}

func submissionHash(userID, pattern, category string) string {
	h := sha256.Sum256([]byte(userID + "\x00" + pattern + "\x00" + category))
	return hex.EncodeToString(h[:])
}
