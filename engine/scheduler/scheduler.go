// Package scheduler drives recurring job submissions on a fixed interval
// or a cron expression, the same time.Ticker polling loop the corpus's
// scraper commands (cmd/scraper-reddit, cmd/scraper-sources, cmd/ingest)
// all use for their own poll loops, generalized from "re-run main" to
// "trigger one entry."
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	minInterval = 60 * time.Second
	maxInterval = 24 * time.Hour
	cronTick    = time.Minute
)

// Entry names a recurring submission: either Interval or CronExpr is set,
// never both.
type Entry struct {
	ID           string
	SourceKind   string
	SourceParams map[string]any
	TenantID     string
	Interval     time.Duration
	CronExpr     string
}

// Trigger constructs and forwards one submission for entry. The scheduler
// itself knows nothing about job ids, the job store, or the executor —
// it only decides when to call Trigger.
type Trigger func(ctx context.Context, entry Entry) error

type entryState struct {
	Entry
	paused bool
	stop   chan struct{}
}

// Scheduler owns a set of named recurring entries, each running its own
// ticker-driven loop.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entryState
	trigger Trigger
	log     *slog.Logger
	wg      sync.WaitGroup
}

// New builds a Scheduler that calls trigger whenever an entry fires.
func New(trigger Trigger, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{entries: make(map[string]*entryState), trigger: trigger, log: log}
}

// Add validates and registers entry, starting its loop immediately.
func (s *Scheduler) Add(entry Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("scheduler: entry id is required")
	}
	hasInterval := entry.Interval > 0
	hasCron := entry.CronExpr != ""
	if hasInterval == hasCron {
		return fmt.Errorf("scheduler: entry %s must set exactly one of interval or cron expression", entry.ID)
	}
	if hasInterval {
		if entry.Interval < minInterval {
			entry.Interval = minInterval
		}
		if entry.Interval > maxInterval {
			entry.Interval = maxInterval
		}
	}
	if hasCron {
		if _, err := parseCron(entry.CronExpr); err != nil {
			return fmt.Errorf("scheduler: entry %s: %w", entry.ID, err)
		}
	}

	s.mu.Lock()
	if _, exists := s.entries[entry.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: entry %s already registered", entry.ID)
	}
	state := &entryState{Entry: entry, stop: make(chan struct{})}
	s.entries[entry.ID] = state
	s.mu.Unlock()

	s.wg.Add(1)
	if hasInterval {
		go s.runInterval(state)
	} else {
		go s.runCron(state)
	}
	return nil
}

// Remove stops and forgets entry id. In-flight jobs already submitted are
// untouched — only the scheduler entry is removed.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	state, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		close(state.stop)
	}
}

// Pause stops entry id from firing without removing it.
func (s *Scheduler) Pause(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.entries[id]; ok {
		state.paused = true
	}
}

// Resume re-enables a paused entry.
func (s *Scheduler) Resume(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.entries[id]; ok {
		state.paused = false
	}
}

// Shutdown stops every entry's loop and waits for their goroutines to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	states := make([]*entryState, 0, len(s.entries))
	for id, state := range s.entries {
		states = append(states, state)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, state := range states {
		close(state.stop)
	}
	s.wg.Wait()
}

func (s *Scheduler) runInterval(state *entryState) {
	defer s.wg.Done()
	ticker := time.NewTicker(state.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-state.stop:
			return
		case <-ticker.C:
			s.fire(state)
		}
	}
}

func (s *Scheduler) runCron(state *entryState) {
	defer s.wg.Done()
	schedule, err := parseCron(state.CronExpr)
	if err != nil {
		s.log.Error("scheduler: invalid cron expression", "entry_id", state.ID, "error", err)
		return
	}

	ticker := time.NewTicker(cronTick)
	defer ticker.Stop()
	for {
		select {
		case <-state.stop:
			return
		case now := <-ticker.C:
			if schedule.matches(now) {
				s.fire(state)
			}
		}
	}
}

func (s *Scheduler) fire(state *entryState) {
	s.mu.Lock()
	paused := state.paused
	s.mu.Unlock()
	if paused {
		return
	}
	if err := s.trigger(context.Background(), state.Entry); err != nil {
		s.log.Error("scheduler: trigger failed", "entry_id", state.ID, "error", err)
	}
}
