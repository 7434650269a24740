package scheduler

import (
	"testing"
	"time"
)

func TestParseCronWildcardMatchesEverything(t *testing.T) {
	sched, err := parseCron("* * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !sched.matches(time.Date(2026, 3, 4, 13, 37, 0, 0, time.UTC)) {
		t.Fatalf("expected wildcard schedule to match any time")
	}
}

func TestParseCronFixedTime(t *testing.T) {
	sched, err := parseCron("30 9 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !sched.matches(time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected match at 09:30")
	}
	if sched.matches(time.Date(2026, 3, 4, 9, 31, 0, 0, time.UTC)) {
		t.Fatalf("expected no match at 09:31")
	}
}

func TestParseCronStepExpression(t *testing.T) {
	sched, err := parseCron("*/15 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, minute := range []int{0, 15, 30, 45} {
		if !sched.matches(time.Date(2026, 1, 1, 0, minute, 0, 0, time.UTC)) {
			t.Fatalf("expected match at minute %d", minute)
		}
	}
	if sched.matches(time.Date(2026, 1, 1, 0, 7, 0, 0, time.UTC)) {
		t.Fatalf("expected no match at minute 7")
	}
}

func TestParseCronCommaList(t *testing.T) {
	sched, err := parseCron("0 6,18 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !sched.matches(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected match at 06:00")
	}
	if !sched.matches(time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected match at 18:00")
	}
	if sched.matches(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected no match at 12:00")
	}
}

func TestParseCronRejectsWrongFieldCount(t *testing.T) {
	if _, err := parseCron("* * *"); err == nil {
		t.Fatalf("expected error for malformed expression")
	}
}

func TestParseCronRejectsOutOfRangeValue(t *testing.T) {
	if _, err := parseCron("99 * * * *"); err == nil {
		t.Fatalf("expected error for out-of-range minute")
	}
}
