package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

type recordingTrigger struct {
	mu    sync.Mutex
	fired []string
}

func (r *recordingTrigger) trigger(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, entry.ID)
	return nil
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestAddRejectsBothIntervalAndCron(t *testing.T) {
	s := New(func(context.Context, Entry) error { return nil }, discardLogger())
	err := s.Add(Entry{ID: "bad", Interval: time.Minute, CronExpr: "* * * * *"})
	if err == nil {
		t.Fatalf("expected error for entry with both interval and cron")
	}
}

func TestAddRejectsNeitherIntervalNorCron(t *testing.T) {
	s := New(func(context.Context, Entry) error { return nil }, discardLogger())
	if err := s.Add(Entry{ID: "bad"}); err == nil {
		t.Fatalf("expected error for entry with neither interval nor cron")
	}
}

func TestAddClampsIntervalToMinimum(t *testing.T) {
	rec := &recordingTrigger{}
	s := New(rec.trigger, discardLogger())
	defer s.Shutdown()

	if err := s.Add(Entry{ID: "fast", Interval: time.Millisecond}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Clamped to minInterval (60s); it should not fire within this test's window.
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("expected no fires yet, interval should be clamped to 60s")
	}
}

func TestRemoveStopsFutureFires(t *testing.T) {
	rec := &recordingTrigger{}
	s := New(rec.trigger, discardLogger())
	defer s.Shutdown()

	if err := s.Add(Entry{ID: "e1", CronExpr: "* * * * *"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Remove("e1")

	s.mu.Lock()
	_, exists := s.entries["e1"]
	s.mu.Unlock()
	if exists {
		t.Fatalf("expected entry to be removed")
	}
}

func TestPauseResumeTogglesFiring(t *testing.T) {
	rec := &recordingTrigger{}
	s := New(rec.trigger, discardLogger())
	defer s.Shutdown()

	if err := s.Add(Entry{ID: "e1", Interval: minInterval}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Pause("e1")

	s.mu.Lock()
	state := s.entries["e1"]
	s.mu.Unlock()
	s.fire(state)
	if rec.count() != 0 {
		t.Fatalf("expected paused entry not to fire")
	}

	s.Resume("e1")
	s.fire(state)
	waitFor(t, func() bool { return rec.count() == 1 })
}
