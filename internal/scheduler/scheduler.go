// Package scheduler wraps robfig/cron with id-keyed entries. Jobs are keyed
// by the entity they serve (device id, "rule-sync", "log-mirror"), so adding
// or removing one entity never disturbs the others.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
		jobs:   map[string]cron.EntryID{},
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// ScheduleEvery registers or replaces the job for the given key.
func (s *Scheduler) ScheduleEvery(key string, every time.Duration, fn func()) error {
	if every <= 0 {
		return fmt.Errorf("schedule %q: interval must be positive", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, exists := s.jobs[key]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, key)
	}

	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), fn)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", key, err)
	}
	s.jobs[key] = entryID
	s.logger.Debug("job scheduled", "key", key, "every", every.String())
	return nil
}

// Remove drops the job for the given key if present.
func (s *Scheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, exists := s.jobs[key]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, key)
		s.logger.Debug("job removed", "key", key)
	}
}

// JobCount returns the number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
