// Package memory provides in-memory implementations of the budget and
// reputation persistence ports.
//
// This is the reference storage for tests and for explicit ephemeral
// deployments. State is copied on the way in and out, so callers cannot
// alias the store's internals.
package memory

import (
	"context"
	"sync"

	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/budget"
	"github.com/TheEntropyCollective/noiseguard/pkg/reputation"
)

// BudgetStore is an in-memory budget.Storage.
type BudgetStore struct {
	mu      sync.Mutex
	state   *budget.State
	config  *budget.Config
	history []*budget.ConsumptionRecord
}

// NewBudgetStore creates an empty budget store.
func NewBudgetStore() *BudgetStore {
	return &BudgetStore{}
}

// SaveState stores the ledger state.
func (s *BudgetStore) SaveState(_ context.Context, state *budget.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// LoadState returns the stored ledger state, or nil if none was saved.
func (s *BudgetStore) LoadState(_ context.Context) (*budget.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// SaveConfig stores the budget configuration.
func (s *BudgetStore) SaveConfig(_ context.Context, config *budget.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
	return nil
}

// LoadConfig returns the stored configuration, or nil if none was saved.
func (s *BudgetStore) LoadConfig(_ context.Context) (*budget.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, nil
}

// AppendHistory appends one audit record.
func (s *BudgetStore) AppendHistory(_ context.Context, record *budget.ConsumptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, record)
	return nil
}

// LoadHistory returns a copy of the audit history.
func (s *BudgetStore) LoadHistory(_ context.Context) ([]*budget.ConsumptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]*budget.ConsumptionRecord, len(s.history))
	copy(history, s.history)
	return history, nil
}

// ClearHistory drops all audit records.
func (s *BudgetStore) ClearHistory(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	return nil
}

// ReputationStore is an in-memory reputation.Storage.
type ReputationStore struct {
	mu      sync.Mutex
	records map[string]*reputation.UserReputation
}

// NewReputationStore creates an empty reputation store.
func NewReputationStore() *ReputationStore {
	return &ReputationStore{
		records: make(map[string]*reputation.UserReputation),
	}
}

// SaveReputation stores one reputation record keyed by pseudonymized id.
func (s *ReputationStore) SaveReputation(_ context.Context, rep *reputation.UserReputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rep.PseudonymizedUserID] = rep
	return nil
}

// LoadReputation returns the record for a pseudonymized id, or nil if the
// contributor is unknown.
func (s *ReputationStore) LoadReputation(_ context.Context, pseudoID string) (*reputation.UserReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[pseudoID], nil
}

// LoadAllReputations returns all stored records.
func (s *ReputationStore) LoadAllReputations(_ context.Context) ([]*reputation.UserReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*reputation.UserReputation, 0, len(s.records))
	for _, rep := range s.records {
		all = append(all, rep)
	}
	return all, nil
}

// DeleteReputation removes one record. Missing records are not an error.
func (s *ReputationStore) DeleteReputation(_ context.Context, pseudoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, pseudoID)
	return nil
}

// ClearAll drops every record.
func (s *ReputationStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*reputation.UserReputation)
	return nil
}
