package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError reports a malformed trigger or rule field. It is returned
// before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateTrigger checks well-formedness only. A once trigger with a past
// FireAt is accepted; it simply never fires.
func ValidateTrigger(t Trigger) error {
	switch t.Kind {
	case TriggerDaily:
		if _, _, err := parseHHMM(t.At); err != nil {
			return invalidf("trigger.at", "%v", err)
		}
		for _, d := range t.RepeatDays {
			if d < 0 || d > 6 {
				return invalidf("trigger.repeat_days", "weekday %d out of range 0..6", d)
			}
		}
		return nil
	case TriggerInterval:
		if t.EveryMinutes <= 0 {
			return invalidf("trigger.every_minutes", "must be > 0, got %d", t.EveryMinutes)
		}
		return nil
	case TriggerOnce:
		if t.FireAt.IsZero() {
			return invalidf("trigger.fire_at", "timestamp is required")
		}
		return nil
	default:
		return invalidf("trigger.kind", "unknown kind %q", t.Kind)
	}
}

// canonicalTrigger zero-pads a daily trigger's At ("7:30" becomes "07:30")
// so the stored value always matches now.Format("15:04") in dueAt. Call
// only after validation.
func canonicalTrigger(t Trigger) Trigger {
	if t.Kind == TriggerDaily {
		if h, m, err := parseHHMM(t.At); err == nil {
			t.At = fmt.Sprintf("%02d:%02d", h, m)
		}
	}
	return t
}

func validateRule(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return invalidf("name", "must not be empty")
	}
	if strings.TrimSpace(string(r.DeviceType)) == "" {
		return invalidf("device_type", "must not be empty")
	}
	if strings.TrimSpace(r.Action) == "" {
		return invalidf("action", "must not be empty")
	}
	return ValidateTrigger(r.Trigger)
}

// dueAt decides whether an entry's trigger matches now. Called with the
// cache lock held; it only reads the entry and the clock handed to it.
//
// The tick loop visits each wall-clock minute boundary at most once, so a
// rule can match at most one tick per minute. The sameMinute guards below
// keep that true even if a caller ticks twice inside one minute.
func dueAt(en *entry, now time.Time) bool {
	t := en.rule.Trigger
	switch t.Kind {
	case TriggerDaily:
		if now.Format("15:04") != t.At {
			return false
		}
		if len(t.RepeatDays) > 0 && !containsDay(t.RepeatDays, mondayWeekday(now)) {
			return false
		}
		return !sameMinute(en.lastFired, now)
	case TriggerInterval:
		if t.EveryMinutes <= 0 {
			// Only reachable through an externally edited store row; a
			// corrupt interval must not take the tick loop down.
			return false
		}
		anchor := en.lastFired
		if anchor.IsZero() {
			anchor = en.rule.CreatedAt
		}
		mins := int(now.Sub(anchor) / time.Minute)
		// First fire is EveryMinutes after creation, then EveryMinutes
		// after each fire. A minute skipped while the process was down is
		// lost, not replayed.
		if mins <= 0 || mins%t.EveryMinutes != 0 {
			return false
		}
		return !sameMinute(en.lastFired, now)
	case TriggerOnce:
		return !en.claimed && !now.Before(t.FireAt)
	default:
		return false
	}
}

// mondayWeekday maps Go's Sunday=0 convention onto the Monday=0 numbering
// used by repeat-day sets on the wire and in the store.
func mondayWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func containsDay(days []int, d int) bool {
	for _, v := range days {
		if v == d {
			return true
		}
	}
	return false
}

func sameMinute(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	return a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
