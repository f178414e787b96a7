package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/TheEntropyCollective/noiseguard/pkg/reputation"
)

// ReputationStore implements reputation.Storage over the shared pool.
// Rows are keyed by pseudonymized contributor id; raw ids never reach
// this table.
type ReputationStore struct {
	db *Database
}

// NewReputationStore creates a reputation store over an open database.
func NewReputationStore(db *Database) *ReputationStore {
	return &ReputationStore{db: db}
}

// SaveReputation upserts one reputation record.
func (s *ReputationStore) SaveReputation(ctx context.Context, rep *reputation.UserReputation) error {
	query := `
		INSERT INTO user_reputations (
			pseudo_id, score, level, total_contributions, anomaly_count,
			consecutive_normal_count, isolated_at, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pseudo_id) DO UPDATE SET
			score = EXCLUDED.score,
			level = EXCLUDED.level,
			total_contributions = EXCLUDED.total_contributions,
			anomaly_count = EXCLUDED.anomaly_count,
			consecutive_normal_count = EXCLUDED.consecutive_normal_count,
			isolated_at = EXCLUDED.isolated_at,
			last_updated = EXCLUDED.last_updated`

	_, err := s.db.pool.Exec(ctx, query,
		rep.PseudonymizedUserID,
		rep.Score,
		string(rep.Level),
		rep.TotalContributions,
		rep.AnomalyCount,
		rep.ConsecutiveNormalCount,
		rep.IsolatedAt,
		rep.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to save reputation: %w", err)
	}
	return nil
}

// LoadReputation returns one record, or nil for unknown contributors.
func (s *ReputationStore) LoadReputation(ctx context.Context, pseudoID string) (*reputation.UserReputation, error) {
	query := `
		SELECT pseudo_id, score, level, total_contributions, anomaly_count,
			   consecutive_normal_count, isolated_at, last_updated
		FROM user_reputations WHERE pseudo_id = $1`

	rep := &reputation.UserReputation{}
	var level string
	err := s.db.pool.QueryRow(ctx, query, pseudoID).Scan(
		&rep.PseudonymizedUserID,
		&rep.Score,
		&level,
		&rep.TotalContributions,
		&rep.AnomalyCount,
		&rep.ConsecutiveNormalCount,
		&rep.IsolatedAt,
		&rep.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load reputation: %w", err)
	}
	rep.Level = reputation.Level(level)
	return rep, nil
}

// LoadAllReputations returns every stored record.
func (s *ReputationStore) LoadAllReputations(ctx context.Context) ([]*reputation.UserReputation, error) {
	query := `
		SELECT pseudo_id, score, level, total_contributions, anomaly_count,
			   consecutive_normal_count, isolated_at, last_updated
		FROM user_reputations`

	rows, err := s.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load reputations: %w", err)
	}
	defer rows.Close()

	var all []*reputation.UserReputation
	for rows.Next() {
		rep := &reputation.UserReputation{}
		var level string
		if err := rows.Scan(
			&rep.PseudonymizedUserID,
			&rep.Score,
			&level,
			&rep.TotalContributions,
			&rep.AnomalyCount,
			&rep.ConsecutiveNormalCount,
			&rep.IsolatedAt,
			&rep.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reputation row: %w", err)
		}
		rep.Level = reputation.Level(level)
		all = append(all, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reputations: %w", err)
	}
	return all, nil
}

// DeleteReputation removes one record. Deleting an unknown contributor is
// not an error.
func (s *ReputationStore) DeleteReputation(ctx context.Context, pseudoID string) error {
	if _, err := s.db.pool.Exec(ctx, `DELETE FROM user_reputations WHERE pseudo_id = $1`, pseudoID); err != nil {
		return fmt.Errorf("failed to delete reputation: %w", err)
	}
	return nil
}

// ClearAll removes every record.
func (s *ReputationStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.pool.Exec(ctx, `DELETE FROM user_reputations`); err != nil {
		return fmt.Errorf("failed to clear reputations: %w", err)
	}
	return nil
}
