package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a parsed five-field cron expression (minute hour
// day-of-month month day-of-week). No library in the retrieved corpus
// parses cron expressions, so this is a minimal hand-rolled matcher:
// "*", a single number, a comma-separated list, and a "*/N" step are
// the only forms supported — enough for the recurring-source use case
// this system needs.
type cronSchedule struct {
	minute field
	hour   field
	dom    field
	month  field
	dow    field
}

type field struct {
	any  bool
	vals map[int]bool
}

func parseCron(expr string) (cronSchedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(parts))
	}

	minute, err := parseField(parts[0], 0, 59)
	if err != nil {
		return cronSchedule{}, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseField(parts[1], 0, 23)
	if err != nil {
		return cronSchedule{}, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseField(parts[2], 1, 31)
	if err != nil {
		return cronSchedule{}, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseField(parts[3], 1, 12)
	if err != nil {
		return cronSchedule{}, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseField(parts[4], 0, 6)
	if err != nil {
		return cronSchedule{}, fmt.Errorf("day-of-week field: %w", err)
	}

	return cronSchedule{minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

func parseField(raw string, min, max int) (field, error) {
	if raw == "*" {
		return field{any: true}, nil
	}

	vals := make(map[int]bool)
	if strings.HasPrefix(raw, "*/") {
		step, err := strconv.Atoi(strings.TrimPrefix(raw, "*/"))
		if err != nil || step <= 0 {
			return field{}, fmt.Errorf("invalid step expression %q", raw)
		}
		for v := min; v <= max; v += step {
			vals[v] = true
		}
		return field{vals: vals}, nil
	}

	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.Atoi(part)
		if err != nil || v < min || v > max {
			return field{}, fmt.Errorf("invalid value %q (expected %d-%d)", part, min, max)
		}
		vals[v] = true
	}
	return field{vals: vals}, nil
}

func (f field) matches(v int) bool {
	if f.any {
		return true
	}
	return f.vals[v]
}

func (s cronSchedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dom.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dow.matches(int(t.Weekday()))
}
