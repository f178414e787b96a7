package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/budget"
	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/sensitivity"
)

// BudgetStore implements budget.Storage over the shared pool. State and
// config are singleton rows; history is append-only.
type BudgetStore struct {
	db *Database
}

// NewBudgetStore creates a budget store over an open database.
func NewBudgetStore(db *Database) *BudgetStore {
	return &BudgetStore{db: db}
}

// SaveState upserts the singleton ledger row.
func (s *BudgetStore) SaveState(ctx context.Context, state *budget.State) error {
	query := `
		INSERT INTO budget_state (
			id, consumed_high, consumed_medium, consumed_low, is_exhausted, last_reset_time
		) VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			consumed_high = EXCLUDED.consumed_high,
			consumed_medium = EXCLUDED.consumed_medium,
			consumed_low = EXCLUDED.consumed_low,
			is_exhausted = EXCLUDED.is_exhausted,
			last_reset_time = EXCLUDED.last_reset_time`

	_, err := s.db.pool.Exec(ctx, query,
		state.Consumed[sensitivity.High],
		state.Consumed[sensitivity.Medium],
		state.Consumed[sensitivity.Low],
		state.IsExhausted,
		state.LastResetTime,
	)
	if err != nil {
		return fmt.Errorf("failed to save budget state: %w", err)
	}
	return nil
}

// LoadState returns the stored ledger, or nil if none exists yet.
func (s *BudgetStore) LoadState(ctx context.Context) (*budget.State, error) {
	query := `
		SELECT consumed_high, consumed_medium, consumed_low, is_exhausted, last_reset_time
		FROM budget_state WHERE id = 1`

	state := budget.NewState()
	var high, medium, low float64
	err := s.db.pool.QueryRow(ctx, query).Scan(
		&high, &medium, &low, &state.IsExhausted, &state.LastResetTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load budget state: %w", err)
	}
	state.Consumed[sensitivity.High] = high
	state.Consumed[sensitivity.Medium] = medium
	state.Consumed[sensitivity.Low] = low
	return state, nil
}

// SaveConfig upserts the singleton config row.
func (s *BudgetStore) SaveConfig(ctx context.Context, config *budget.Config) error {
	query := `
		INSERT INTO budget_config (
			id, total_budget_limit, epsilon_high, epsilon_medium, epsilon_low, reset_period_hours
		) VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			total_budget_limit = EXCLUDED.total_budget_limit,
			epsilon_high = EXCLUDED.epsilon_high,
			epsilon_medium = EXCLUDED.epsilon_medium,
			epsilon_low = EXCLUDED.epsilon_low,
			reset_period_hours = EXCLUDED.reset_period_hours`

	_, err := s.db.pool.Exec(ctx, query,
		config.TotalBudgetLimit,
		config.Epsilon[sensitivity.High],
		config.Epsilon[sensitivity.Medium],
		config.Epsilon[sensitivity.Low],
		config.ResetPeriodHours,
	)
	if err != nil {
		return fmt.Errorf("failed to save budget config: %w", err)
	}
	return nil
}

// LoadConfig returns the stored config, or nil if none exists yet.
func (s *BudgetStore) LoadConfig(ctx context.Context) (*budget.Config, error) {
	query := `
		SELECT total_budget_limit, epsilon_high, epsilon_medium, epsilon_low, reset_period_hours
		FROM budget_config WHERE id = 1`

	config := &budget.Config{Epsilon: make(map[sensitivity.Level]float64)}
	var high, medium, low float64
	err := s.db.pool.QueryRow(ctx, query).Scan(
		&config.TotalBudgetLimit, &high, &medium, &low, &config.ResetPeriodHours,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load budget config: %w", err)
	}
	config.Epsilon[sensitivity.High] = high
	config.Epsilon[sensitivity.Medium] = medium
	config.Epsilon[sensitivity.Low] = low
	return config, nil
}

// AppendHistory inserts one audit record.
func (s *BudgetStore) AppendHistory(ctx context.Context, record *budget.ConsumptionRecord) error {
	query := `
		INSERT INTO budget_history (id, epsilon, level, operation, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.pool.Exec(ctx, query,
		record.ID,
		record.Epsilon,
		record.Level.String(),
		record.Operation,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append budget history: %w", err)
	}
	return nil
}

// LoadHistory returns all audit records, oldest first.
func (s *BudgetStore) LoadHistory(ctx context.Context) ([]*budget.ConsumptionRecord, error) {
	query := `
		SELECT id, epsilon, level, operation, created_at
		FROM budget_history ORDER BY created_at ASC`

	rows, err := s.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget history: %w", err)
	}
	defer rows.Close()

	var history []*budget.ConsumptionRecord
	for rows.Next() {
		record := &budget.ConsumptionRecord{}
		var levelName string
		if err := rows.Scan(&record.ID, &record.Epsilon, &levelName, &record.Operation, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan budget history row: %w", err)
		}
		level, err := sensitivity.ParseLevel(levelName)
		if err != nil {
			return nil, fmt.Errorf("corrupt budget history row %s: %w", record.ID, err)
		}
		record.Level = level
		history = append(history, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate budget history: %w", err)
	}
	return history, nil
}

// ClearHistory deletes all audit records.
func (s *BudgetStore) ClearHistory(ctx context.Context) error {
	if _, err := s.db.pool.Exec(ctx, `DELETE FROM budget_history`); err != nil {
		return fmt.Errorf("failed to clear budget history: %w", err)
	}
	return nil
}
