package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ResetScheduler drives the periodic ledger reset. One scheduler owns one
// manager; start it from the composition root after the manager is primed.
type ResetScheduler struct {
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewResetScheduler creates a scheduler for the manager's configured reset
// period.
func NewResetScheduler(manager *Manager) *ResetScheduler {
	return &ResetScheduler{
		manager: manager,
		cron:    cron.New(),
	}
}

// Start schedules the reset every ResetPeriodHours and begins running.
func (s *ResetScheduler) Start() error {
	s.manager.mu.Lock()
	period := s.manager.config.ResetPeriodHours
	s.manager.mu.Unlock()

	spec := fmt.Sprintf("@every %dh", period)
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.manager.Reset(context.Background()); err != nil {
			s.manager.logger.Error("scheduled budget reset failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule budget reset: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// NextReset returns when the next scheduled reset will run, or the zero
// time if the scheduler is not running.
func (s *ResetScheduler) NextReset() time.Time {
	entry := s.cron.Entry(s.entryID)
	return entry.Next
}

// Stop halts the schedule. A reset already in flight completes.
func (s *ResetScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
