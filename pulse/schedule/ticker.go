package schedule

import (
	"fmt"
	"time"

	"github.com/teranos/mspsync/db"
)

// Start begins the poll loop. Call Bootstrap first.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Scheduler started", "interval", s.cfg.PollInterval)
}

// Stop cancels the poll loop and waits for an in-flight pass to finish
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PollJobs(s.ctx); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				if db.IsDatabaseClosed(err) {
					s.logger.Warnw("Database closed, stopping poll loop", "error", err)
					return
				}
				// Aborted pass; the next tick re-reads the store
				s.logger.Warnw("Poll pass aborted", "error", err, "poll", s.Stats().PollsRun)
			}
		}
	}
}

// Stats is a snapshot of poll loop activity
type Stats struct {
	LastPollAt time.Time
	PollsRun   int64
	Last       PollResult
}

// Stats reports the most recent poll pass
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{LastPollAt: s.lastPollAt, PollsRun: s.pollsRun, Last: s.lastSummary}
}

func (s *Scheduler) recordPoll(at time.Time, result PollResult) {
	s.statsMu.Lock()
	changed := result != s.lastSummary
	s.lastPollAt = at
	s.pollsRun++
	s.lastSummary = result
	s.statsMu.Unlock()

	// Only log when the picture changes
	if !changed {
		return
	}

	msg := fmt.Sprintf("Poll - %d due, %d dispatched, %d at tenant limit, %d rate limited",
		result.Due, result.Dispatched, result.AtLimit, result.RateLimited)
	if result.Recovered > 0 {
		msg += fmt.Sprintf(", %d orphaned released", result.Recovered)
	}
	if result.FailedToSend > 0 {
		msg += fmt.Sprintf(", %d failed", result.FailedToSend)
	}
	if m, err := ReadSystemMetrics(); err == nil {
		msg += fmt.Sprintf(" │ Mem: %.1f/%.1fGB (%.0f%%)", m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	s.logger.Infow(msg)
}
