// Package budget implements the privacy budget ledger that bounds the
// total differential privacy loss of this deployment.
//
// Every noisy release consumes epsilon. Under sequential composition the
// epsilons of queries over overlapping data add up, so the ledger tracks
// consumption per sensitivity level against a single total limit and
// refuses further releases once the limit is reached. The ledger resets on
// a configurable period, the usual deployment model for per-epoch budgets.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheEntropyCollective/noiseguard/pkg/common/logging"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/sensitivity"
)

// Default budget parameters. Smaller epsilon for more sensitive data is
// the convention: more noise where exposure hurts more.
const (
	DefaultTotalBudgetLimit = 10.0
	DefaultEpsilonHigh      = 0.1
	DefaultEpsilonMedium    = 0.5
	DefaultEpsilonLow       = 1.0
	DefaultResetPeriodHours = 24
)

// Config is the operator-supplied budget configuration. Hot-swappable via
// Manager.SetConfig.
type Config struct {
	// TotalBudgetLimit caps the sum of consumed epsilon across all levels
	// within one reset period.
	TotalBudgetLimit float64 `json:"total_budget_limit"`

	// Epsilon maps each sensitivity level to the epsilon a single query at
	// that level consumes.
	Epsilon map[sensitivity.Level]float64 `json:"epsilon"`

	// ResetPeriodHours is the period of the automatic ledger reset.
	ResetPeriodHours int `json:"reset_period_hours"`
}

// DefaultConfig returns the default budget configuration.
func DefaultConfig() *Config {
	return &Config{
		TotalBudgetLimit: DefaultTotalBudgetLimit,
		Epsilon: map[sensitivity.Level]float64{
			sensitivity.High:   DefaultEpsilonHigh,
			sensitivity.Medium: DefaultEpsilonMedium,
			sensitivity.Low:    DefaultEpsilonLow,
		},
		ResetPeriodHours: DefaultResetPeriodHours,
	}
}

// Validate checks a budget configuration.
func (c *Config) Validate() error {
	if c.TotalBudgetLimit <= 0 {
		return fmt.Errorf("total budget limit must be positive, got %v", c.TotalBudgetLimit)
	}
	if c.ResetPeriodHours <= 0 {
		return fmt.Errorf("reset period must be positive, got %d hours", c.ResetPeriodHours)
	}
	for _, level := range sensitivity.Levels() {
		eps, ok := c.Epsilon[level]
		if !ok {
			return fmt.Errorf("missing epsilon for level %s", level)
		}
		if eps <= 0 {
			return fmt.Errorf("epsilon for level %s must be positive, got %v", level, eps)
		}
	}
	return nil
}

// State is the mutable ledger: consumed epsilon per level plus the
// exhaustion flag. Owned by exactly one Manager; all mutation is
// serialized behind the manager's mutex.
type State struct {
	Consumed      map[sensitivity.Level]float64 `json:"consumed"`
	IsExhausted   bool                          `json:"is_exhausted"`
	LastResetTime time.Time                     `json:"last_reset_time"`
}

// NewState returns a zeroed ledger stamped now.
func NewState() *State {
	return &State{
		Consumed:      make(map[sensitivity.Level]float64),
		LastResetTime: time.Now(),
	}
}

// TotalConsumed sums consumption across levels.
func (s *State) TotalConsumed() float64 {
	total := 0.0
	for _, v := range s.Consumed {
		total += v
	}
	return total
}

// clone returns a deep copy.
func (s *State) clone() *State {
	c := &State{
		Consumed:      make(map[sensitivity.Level]float64, len(s.Consumed)),
		IsExhausted:   s.IsExhausted,
		LastResetTime: s.LastResetTime,
	}
	for k, v := range s.Consumed {
		c.Consumed[k] = v
	}
	return c
}

// ConsumptionRecord is one append-only audit entry, created per successful
// consume.
type ConsumptionRecord struct {
	ID        string            `json:"id"`
	Epsilon   float64           `json:"epsilon"`
	Level     sensitivity.Level `json:"level"`
	Operation string            `json:"operation"`
	Timestamp time.Time         `json:"timestamp"`
}

// Storage is the persistence port for budget state, config, and audit
// history. Implementations must be safe for concurrent use.
type Storage interface {
	SaveState(ctx context.Context, state *State) error
	LoadState(ctx context.Context) (*State, error)
	SaveConfig(ctx context.Context, config *Config) error
	LoadConfig(ctx context.Context) (*Config, error)
	AppendHistory(ctx context.Context, record *ConsumptionRecord) error
	LoadHistory(ctx context.Context) ([]*ConsumptionRecord, error)
	ClearHistory(ctx context.Context) error
}

// ExhaustionListener is notified once when the ledger flips to exhausted.
type ExhaustionListener func()

// LevelStats reports consumption for one sensitivity level.
type LevelStats struct {
	Consumed       float64 `json:"consumed"`
	Epsilon        float64 `json:"epsilon"`
	OperationCount int     `json:"operation_count"`
}

// Manager is the budget ledger. The check-then-spend sequence runs inside
// one critical section: concurrent callers can never jointly overspend.
// State is persisted write-through before a consume reports success.
type Manager struct {
	config  *Config
	state   *State
	storage Storage
	history []*ConsumptionRecord
	opCount map[sensitivity.Level]int

	listeners []ExhaustionListener
	logger    *logging.Logger
	mu        sync.Mutex
}

// NewManager creates a budget manager. A nil storage is explicit ephemeral
// mode (tests, single-shot tools) and is logged once. A nil config uses
// defaults.
func NewManager(config *Config, storage Storage) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget config: %w", err)
	}
	m := &Manager{
		config:  config,
		state:   NewState(),
		storage: storage,
		opCount: make(map[sensitivity.Level]int),
		logger:  logging.GetGlobalLogger().WithComponent("budget"),
	}
	if storage == nil {
		m.logger.Warn("budget manager running without storage, ledger is ephemeral", nil)
	}
	return m, nil
}

// LoadFromStorage primes the ledger and history from the storage port.
// Call once at startup.
func (m *Manager) LoadFromStorage(ctx context.Context) error {
	if m.storage == nil {
		return nil
	}

	state, err := m.storage.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load budget state: %w", err)
	}
	history, err := m.storage.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to load budget history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if state != nil {
		if state.Consumed == nil {
			state.Consumed = make(map[sensitivity.Level]float64)
		}
		m.state = state
	}
	m.history = history
	m.opCount = make(map[sensitivity.Level]int)
	for _, rec := range history {
		m.opCount[rec.Level]++
	}
	return nil
}

// SetConfig swaps the budget configuration after validating it. The
// current ledger is untouched; the new limits apply from the next consume.
func (m *Manager) SetConfig(ctx context.Context, config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid budget config: %w", err)
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()

	if m.storage != nil {
		if err := m.storage.SaveConfig(ctx, config); err != nil {
			return fmt.Errorf("failed to persist budget config: %w", err)
		}
	}
	return nil
}

// OnExhaustion registers a listener fired when the ledger becomes
// exhausted. Listeners run after the exhausted state is persisted.
func (m *Manager) OnExhaustion(listener ExhaustionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// GetEpsilon returns the per-query epsilon configured for a level.
func (m *Manager) GetEpsilon(level sensitivity.Level) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Epsilon[level]
}

// CanConsume reports whether epsilon more consumption would fit. Advisory
// only: the binding check happens inside Consume under the same lock.
func (m *Manager) CanConsume(epsilon float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canConsumeLocked(epsilon)
}

func (m *Manager) canConsumeLocked(epsilon float64) bool {
	if m.state.IsExhausted {
		return false
	}
	return m.state.TotalConsumed()+epsilon <= m.config.TotalBudgetLimit
}

// Consume spends epsilon at the given level, appending an audit record and
// persisting the ledger before returning true.
//
// A request that would exceed the limit is rejected whole: nothing is
// spent, the ledger flips to exhausted, listeners fire, and false is
// returned. Budget exhaustion is an expected outcome, not an error.
//
// If the storage write fails, the in-memory spend is rolled back and
// Consume returns false with the error: a grant is never observed
// unless it is durably recorded.
func (m *Manager) Consume(ctx context.Context, epsilon float64, level sensitivity.Level, operation string) (bool, error) {
	if epsilon <= 0 {
		return false, fmt.Errorf("epsilon must be positive, got %v", epsilon)
	}

	m.mu.Lock()

	if m.state.IsExhausted {
		m.mu.Unlock()
		return false, nil
	}

	if m.state.TotalConsumed()+epsilon > m.config.TotalBudgetLimit {
		m.state.IsExhausted = true
		err := m.persistStateLocked(ctx)
		limit := m.config.TotalBudgetLimit
		listeners := make([]ExhaustionListener, len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()

		m.logger.Warn("privacy budget exhausted", map[string]interface{}{
			"requested": epsilon,
			"limit":     limit,
			"operation": operation,
		})
		for _, fn := range listeners {
			fn()
		}
		return false, err
	}

	m.state.Consumed[level] += epsilon
	m.opCount[level]++
	record := &ConsumptionRecord{
		ID:        uuid.NewString(),
		Epsilon:   epsilon,
		Level:     level,
		Operation: operation,
		Timestamp: time.Now(),
	}
	m.history = append(m.history, record)

	if err := m.persistConsumeLocked(ctx, record); err != nil {
		// The spend is only real once the ledger is durable. Roll the
		// in-memory mutation back so callers never observe a grant the
		// audit trail cannot account for.
		m.state.Consumed[level] -= epsilon
		m.opCount[level]--
		m.history = m.history[:len(m.history)-1]
		m.mu.Unlock()
		return false, err
	}
	m.mu.Unlock()

	return true, nil
}

// Reset zeroes the ledger: consumption counters, exhaustion flag, and
// audit history, stamping a fresh reset time.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.state = NewState()
	m.history = nil
	m.opCount = make(map[sensitivity.Level]int)
	err := m.persistStateLocked(ctx)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if m.storage != nil {
		if err := m.storage.ClearHistory(ctx); err != nil {
			return fmt.Errorf("failed to clear budget history: %w", err)
		}
	}
	m.logger.Info("privacy budget reset", nil)
	return nil
}

// GetState returns a copy of the current ledger.
func (m *Manager) GetState() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// RemainingBudget returns how much epsilon is still spendable.
func (m *Manager) RemainingBudget() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.IsExhausted {
		return 0
	}
	remaining := m.config.TotalBudgetLimit - m.state.TotalConsumed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetLevelStats returns per-level consumption for observability.
func (m *Manager) GetLevelStats() map[sensitivity.Level]LevelStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[sensitivity.Level]LevelStats, len(m.config.Epsilon))
	for _, level := range sensitivity.Levels() {
		stats[level] = LevelStats{
			Consumed:       m.state.Consumed[level],
			Epsilon:        m.config.Epsilon[level],
			OperationCount: m.opCount[level],
		}
	}
	return stats
}

// GetHistory returns a copy of the audit history.
func (m *Manager) GetHistory() []*ConsumptionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]*ConsumptionRecord, len(m.history))
	copy(history, m.history)
	return history
}

// persistStateLocked writes the ledger through storage. Caller holds m.mu.
func (m *Manager) persistStateLocked(ctx context.Context) error {
	if m.storage == nil {
		return nil
	}
	if err := m.storage.SaveState(ctx, m.state.clone()); err != nil {
		return fmt.Errorf("failed to persist budget state: %w", err)
	}
	return nil
}

// persistConsumeLocked persists the ledger and the audit record of one
// successful consume. Caller holds m.mu.
func (m *Manager) persistConsumeLocked(ctx context.Context, record *ConsumptionRecord) error {
	if m.storage == nil {
		return nil
	}
	if err := m.storage.SaveState(ctx, m.state.clone()); err != nil {
		return fmt.Errorf("failed to persist budget state: %w", err)
	}
	if err := m.storage.AppendHistory(ctx, record); err != nil {
		return fmt.Errorf("failed to append budget history: %w", err)
	}
	return nil
}
