// Package reputation implements the contributor reputation state machine
// that isolates malicious or misbehaving rule contributors.
//
// Contributors move between three levels: Trusted, UnderReview, and
// Isolated. Anomalous contributions cost score and can push a contributor
// into review or isolation; sustained normal contributions earn the way
// back. Recovery from isolation always passes through UnderReview, never
// straight to Trusted.
//
// Contributors are identified only by a deterministic SHA-256
// pseudonymization of their raw id; the raw id is never stored, persisted,
// or returned.
package reputation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/TheEntropyCollective/noiseguard/pkg/common/logging"
)

// Level is a contributor's standing.
type Level string

const (
	Trusted     Level = "trusted"
	UnderReview Level = "under_review"
	Isolated    Level = "isolated"
)

// Score bounds. Scores are clamped into this range on every update.
const (
	MinScoreValue = 0.0
	MaxScoreValue = 100.0
)

// Default reputation thresholds.
const (
	DefaultAnomalyPenalty         = 10.0
	DefaultNormalReward           = 1.0
	DefaultMinScore               = 30.0
	DefaultIsolationThreshold     = 5
	DefaultReviewThreshold        = 3
	DefaultRecoveryToReviewCount  = 10
	DefaultRecoveryToTrustedCount = 20
)

// Config holds the tunable thresholds of the state machine. Hot-swappable
// via Tracker.SetConfig.
type Config struct {
	// AnomalyPenalty is subtracted from the score per anomalous
	// contribution.
	AnomalyPenalty float64 `json:"anomaly_penalty"`

	// NormalReward is added to the score per normal contribution.
	NormalReward float64 `json:"normal_reward"`

	// MinScore is the score at or below which a contributor is isolated.
	MinScore float64 `json:"min_score"`

	// IsolationThreshold isolates a contributor once their lifetime
	// anomaly count reaches it.
	IsolationThreshold int `json:"isolation_threshold"`

	// ReviewThreshold places a contributor under review once their
	// anomaly count reaches it.
	ReviewThreshold int `json:"review_threshold"`

	// RecoveryToReviewCount is the consecutive-normal streak an isolated
	// contributor needs to re-enter review.
	RecoveryToReviewCount int `json:"recovery_to_review_count"`

	// RecoveryToTrustedCount is the consecutive-normal streak a
	// contributor under review needs to regain trust.
	RecoveryToTrustedCount int `json:"recovery_to_trusted_count"`
}

// DefaultConfig returns the default reputation thresholds.
func DefaultConfig() *Config {
	return &Config{
		AnomalyPenalty:         DefaultAnomalyPenalty,
		NormalReward:           DefaultNormalReward,
		MinScore:               DefaultMinScore,
		IsolationThreshold:     DefaultIsolationThreshold,
		ReviewThreshold:        DefaultReviewThreshold,
		RecoveryToReviewCount:  DefaultRecoveryToReviewCount,
		RecoveryToTrustedCount: DefaultRecoveryToTrustedCount,
	}
}

// UserReputation is the persisted reputation record of one pseudonymized
// contributor. Records are never deleted by the state machine, only
// transitioned.
type UserReputation struct {
	PseudonymizedUserID    string     `json:"pseudonymized_user_id"`
	Score                  float64    `json:"score"`
	Level                  Level      `json:"level"`
	TotalContributions     int        `json:"total_contributions"`
	AnomalyCount           int        `json:"anomaly_count"`
	ConsecutiveNormalCount int        `json:"consecutive_normal_count"`
	IsolatedAt             *time.Time `json:"isolated_at,omitempty"`
	LastUpdated            time.Time  `json:"last_updated"`
}

// clone returns a copy safe to hand to callers.
func (r *UserReputation) clone() *UserReputation {
	c := *r
	if r.IsolatedAt != nil {
		t := *r.IsolatedAt
		c.IsolatedAt = &t
	}
	return &c
}

// Storage is the persistence port for reputation records. Implementations
// must be safe for concurrent use.
type Storage interface {
	SaveReputation(ctx context.Context, rep *UserReputation) error
	LoadReputation(ctx context.Context, pseudoID string) (*UserReputation, error)
	LoadAllReputations(ctx context.Context) ([]*UserReputation, error)
	DeleteReputation(ctx context.Context, pseudoID string) error
	ClearAll(ctx context.Context) error
}

// IsolationListener receives isolation state changes. userID is the
// pseudonymized id, isolated reports the new state.
type IsolationListener func(pseudoID string, isolated bool)

// Tracker is the reputation state machine. All transitions run inside a
// single critical section and persist write-through before returning, so
// concurrent callers cannot jointly miscount a transition and a crash
// cannot lose one.
type Tracker struct {
	config  *Config
	storage Storage
	users   map[string]*UserReputation

	listeners []IsolationListener
	logger    *logging.Logger
	mu        sync.Mutex
}

// NewTracker creates a tracker backed by the given storage. A nil storage
// puts the tracker in explicit ephemeral mode: state lives only in this
// process. That mode is for tests and single-shot tools, and is logged
// once so it cannot pass unnoticed in a deployment.
func NewTracker(config *Config, storage Storage) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	t := &Tracker{
		config:  config,
		storage: storage,
		users:   make(map[string]*UserReputation),
		logger:  logging.GetGlobalLogger().WithComponent("reputation"),
	}
	if storage == nil {
		t.logger.Warn("reputation tracker running without storage, state is ephemeral", nil)
	}
	return t
}

// LoadFromStorage primes the in-memory state from the storage port.
// Call once at startup before serving traffic.
func (t *Tracker) LoadFromStorage(ctx context.Context) error {
	if t.storage == nil {
		return nil
	}
	records, err := t.storage.LoadAllReputations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load reputations: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		t.users[rec.PseudonymizedUserID] = rec
	}
	return nil
}

// SetConfig swaps the threshold configuration. Nil configs are ignored.
func (t *Tracker) SetConfig(config *Config) {
	if config == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = config
}

// OnIsolationChange registers a listener fired after a contributor enters
// or leaves isolation. Listeners run after the transition is persisted.
func (t *Tracker) OnIsolationChange(listener IsolationListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// PseudonymizeUserID maps a raw contributor id to its stable pseudonym:
// the first 16 hex characters of SHA-256(userID). Deterministic, one-way,
// and the only identifier this package ever stores.
func PseudonymizeUserID(userID string) string {
	h := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(h[:])[:16]
}

// RecordAnomaly records one anomalous contribution. The score drops by
// the anomaly penalty, the recovery streak resets, and the contributor
// may transition to UnderReview or Isolated.
func (t *Tracker) RecordAnomaly(userID string) error {
	pseudoID := PseudonymizeUserID(userID)

	t.mu.Lock()
	rep := t.getOrCreateLocked(pseudoID)

	rep.Score = clampScore(rep.Score - t.config.AnomalyPenalty)
	rep.AnomalyCount++
	rep.TotalContributions++
	rep.ConsecutiveNormalCount = 0
	rep.LastUpdated = time.Now()

	var becameIsolated bool
	switch {
	case rep.Level != Isolated &&
		(rep.Score <= t.config.MinScore || rep.AnomalyCount >= t.config.IsolationThreshold):
		rep.Level = Isolated
		now := time.Now()
		rep.IsolatedAt = &now
		becameIsolated = true
	case rep.Level == Trusted && rep.AnomalyCount >= t.config.ReviewThreshold:
		rep.Level = UnderReview
	}

	if err := t.persistLocked(rep); err != nil {
		t.mu.Unlock()
		return err
	}
	anomalyCount := rep.AnomalyCount
	score := rep.Score
	listeners := t.listenersSnapshotLocked()
	t.mu.Unlock()

	if becameIsolated {
		t.logger.Warn("contributor isolated", map[string]interface{}{
			"pseudo_id":     pseudoID,
			"anomaly_count": anomalyCount,
			"score":         score,
		})
		for _, fn := range listeners {
			fn(pseudoID, true)
		}
	}
	return nil
}

// RecordNormalContribution records one normal contribution. The score
// rises by the normal reward and the recovery streak advances; sustained
// streaks move Isolated → UnderReview → Trusted.
func (t *Tracker) RecordNormalContribution(userID string) error {
	pseudoID := PseudonymizeUserID(userID)

	t.mu.Lock()
	rep := t.getOrCreateLocked(pseudoID)

	rep.Score = clampScore(rep.Score + t.config.NormalReward)
	rep.TotalContributions++
	rep.ConsecutiveNormalCount++
	rep.LastUpdated = time.Now()

	var leftIsolation bool
	switch {
	case rep.Level == Isolated && rep.ConsecutiveNormalCount >= t.config.RecoveryToReviewCount:
		rep.Level = UnderReview
		rep.IsolatedAt = nil
		// The streak restarts for the review → trusted leg; the two
		// recovery stages are sequential, not overlapping.
		rep.ConsecutiveNormalCount = 0
		leftIsolation = true
	case rep.Level == UnderReview && rep.ConsecutiveNormalCount >= t.config.RecoveryToTrustedCount:
		rep.Level = Trusted
	}

	if err := t.persistLocked(rep); err != nil {
		t.mu.Unlock()
		return err
	}
	listeners := t.listenersSnapshotLocked()
	t.mu.Unlock()

	if leftIsolation {
		t.logger.Info("contributor left isolation", map[string]interface{}{
			"pseudo_id": pseudoID,
		})
		for _, fn := range listeners {
			fn(pseudoID, false)
		}
	}
	return nil
}

// CanContribute reports whether a contributor's rules should be accepted.
// Unknown contributors get the benefit of the doubt; known contributors
// are barred only while isolated.
func (t *Tracker) CanContribute(userID string) bool {
	pseudoID := PseudonymizeUserID(userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	rep, ok := t.users[pseudoID]
	if !ok {
		return true
	}
	return rep.Level != Isolated
}

// NeedsReview reports whether a contributor is currently under review.
func (t *Tracker) NeedsReview(userID string) bool {
	pseudoID := PseudonymizeUserID(userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	rep, ok := t.users[pseudoID]
	return ok && rep.Level == UnderReview
}

// GetReputation returns a copy of a contributor's record, or nil if the
// contributor has never been seen.
func (t *Tracker) GetReputation(userID string) *UserReputation {
	pseudoID := PseudonymizeUserID(userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	rep, ok := t.users[pseudoID]
	if !ok {
		return nil
	}
	return rep.clone()
}

// IsolateUser forces a contributor into isolation, bypassing the
// automatic thresholds. Operator intervention only.
func (t *Tracker) IsolateUser(userID string) error {
	pseudoID := PseudonymizeUserID(userID)

	t.mu.Lock()
	rep := t.getOrCreateLocked(pseudoID)
	alreadyIsolated := rep.Level == Isolated

	rep.Level = Isolated
	now := time.Now()
	rep.IsolatedAt = &now
	rep.ConsecutiveNormalCount = 0
	rep.LastUpdated = now

	if err := t.persistLocked(rep); err != nil {
		t.mu.Unlock()
		return err
	}
	listeners := t.listenersSnapshotLocked()
	t.mu.Unlock()

	if !alreadyIsolated {
		for _, fn := range listeners {
			fn(pseudoID, true)
		}
	}
	return nil
}

// ReinstateUser lifts a manual or automatic isolation. The contributor
// always lands in UnderReview; trust must be re-earned through the normal
// recovery path.
func (t *Tracker) ReinstateUser(userID string) error {
	pseudoID := PseudonymizeUserID(userID)

	t.mu.Lock()
	rep := t.getOrCreateLocked(pseudoID)
	wasIsolated := rep.Level == Isolated

	rep.Level = UnderReview
	rep.IsolatedAt = nil
	rep.ConsecutiveNormalCount = 0
	rep.LastUpdated = time.Now()

	if err := t.persistLocked(rep); err != nil {
		t.mu.Unlock()
		return err
	}
	listeners := t.listenersSnapshotLocked()
	t.mu.Unlock()

	if wasIsolated {
		for _, fn := range listeners {
			fn(pseudoID, false)
		}
	}
	return nil
}

// Stats summarizes the tracked population.
type Stats struct {
	TotalUsers     int `json:"total_users"`
	TrustedUsers   int `json:"trusted_users"`
	UnderReview    int `json:"under_review"`
	IsolatedUsers  int `json:"isolated_users"`
	TotalAnomalies int `json:"total_anomalies"`
}

// GetStats returns population counts by level.
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{TotalUsers: len(t.users)}
	for _, rep := range t.users {
		switch rep.Level {
		case Trusted:
			stats.TrustedUsers++
		case UnderReview:
			stats.UnderReview++
		case Isolated:
			stats.IsolatedUsers++
		}
		stats.TotalAnomalies += rep.AnomalyCount
	}
	return stats
}

// getOrCreateLocked returns the record for pseudoID, creating a fresh
// Trusted record with full score on first contact. Caller holds t.mu.
func (t *Tracker) getOrCreateLocked(pseudoID string) *UserReputation {
	rep, ok := t.users[pseudoID]
	if !ok {
		rep = &UserReputation{
			PseudonymizedUserID: pseudoID,
			Score:               MaxScoreValue,
			Level:               Trusted,
			LastUpdated:         time.Now(),
		}
		t.users[pseudoID] = rep
	}
	return rep
}

// persistLocked writes the record through the storage port. Caller holds
// t.mu; persistence completes before the mutation is observable as
// successful.
func (t *Tracker) persistLocked(rep *UserReputation) error {
	if t.storage == nil {
		return nil
	}
	if err := t.storage.SaveReputation(context.Background(), rep.clone()); err != nil {
		return fmt.Errorf("failed to persist reputation: %w", err)
	}
	return nil
}

func (t *Tracker) listenersSnapshotLocked() []IsolationListener {
	snapshot := make([]IsolationListener, len(t.listeners))
	copy(snapshot, t.listeners)
	return snapshot
}

func clampScore(score float64) float64 {
	if score < MinScoreValue {
		return MinScoreValue
	}
	if score > MaxScoreValue {
		return MaxScoreValue
	}
	return score
}
