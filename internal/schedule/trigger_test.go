package schedule

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

// 2024-01-01 is a Monday.
func mondayAt(hour, min int) time.Time {
	return time.Date(2024, 1, 1, hour, min, 0, 0, time.UTC)
}

func saturdayAt(hour, min int) time.Time {
	return time.Date(2024, 1, 6, hour, min, 0, 0, time.UTC)
}

func TestDailyDueMatchesExactMinuteAndWeekday(t *testing.T) {
	t.Parallel()
	weekdays := []int{0, 1, 2, 3, 4}
	tests := []struct {
		name string
		trig Trigger
		now  time.Time
		want bool
	}{
		{name: "weekday at exact minute", trig: Trigger{Kind: TriggerDaily, At: "07:30", RepeatDays: weekdays}, now: mondayAt(7, 30), want: true},
		{name: "one minute late", trig: Trigger{Kind: TriggerDaily, At: "07:30", RepeatDays: weekdays}, now: mondayAt(7, 31), want: false},
		{name: "saturday excluded", trig: Trigger{Kind: TriggerDaily, At: "07:30", RepeatDays: weekdays}, now: saturdayAt(7, 30), want: false},
		{name: "empty repeat days means every day", trig: Trigger{Kind: TriggerDaily, At: "07:30"}, now: saturdayAt(7, 30), want: true},
		{name: "sunday is day six", trig: Trigger{Kind: TriggerDaily, At: "12:00", RepeatDays: []int{6}}, now: time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC), want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			en := &entry{rule: Rule{Trigger: tt.trig}}
			if got := dueAt(en, tt.now); got != tt.want {
				t.Fatalf("dueAt(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestDailyDoesNotRefireWithinSameMinute(t *testing.T) {
	t.Parallel()
	now := mondayAt(7, 30)
	en := &entry{rule: Rule{Trigger: Trigger{Kind: TriggerDaily, At: "07:30"}}}

	if !dueAt(en, now) {
		t.Fatal("expected first evaluation to be due")
	}
	en.lastFired = now
	if dueAt(en, now.Add(30*time.Second)) {
		t.Fatal("rule refired within the same minute")
	}
}

func TestIntervalDue(t *testing.T) {
	t.Parallel()
	created := mondayAt(10, 0)
	rule := Rule{CreatedAt: created, Trigger: Trigger{Kind: TriggerInterval, EveryMinutes: 5}}

	en := &entry{rule: rule}
	if dueAt(en, created) {
		t.Fatal("interval rule fired in its creation minute")
	}
	if dueAt(en, created.Add(3*time.Minute)) {
		t.Fatal("fired before the interval elapsed")
	}
	if !dueAt(en, created.Add(5*time.Minute)) {
		t.Fatal("expected fire at the first interval multiple")
	}

	// A skipped boundary is lost, not replayed late.
	if dueAt(en, created.Add(6*time.Minute)) {
		t.Fatal("fired on a non-multiple minute")
	}

	// After a fire the interval anchors on the fire time.
	en.lastFired = created.Add(5 * time.Minute)
	if dueAt(en, created.Add(7*time.Minute)) {
		t.Fatal("fired before the next interval elapsed")
	}
	if !dueAt(en, created.Add(10*time.Minute)) {
		t.Fatal("expected fire one interval after the last fire")
	}
}

func TestOnceDue(t *testing.T) {
	t.Parallel()
	at := mondayAt(9, 0)
	en := &entry{rule: Rule{Trigger: Trigger{Kind: TriggerOnce, FireAt: at}}}

	if dueAt(en, at.Add(-time.Minute)) {
		t.Fatal("once rule fired before its time")
	}
	if !dueAt(en, at) {
		t.Fatal("once rule not due at its exact time")
	}
	if !dueAt(en, at.Add(time.Hour)) {
		t.Fatal("unclaimed once rule must stay due after its time")
	}
	en.claimed = true
	if dueAt(en, at.Add(time.Hour)) {
		t.Fatal("claimed once rule evaluated as due again")
	}
}

func TestValidateTrigger(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		trig    Trigger
		wantErr bool
	}{
		{name: "valid daily", trig: Trigger{Kind: TriggerDaily, At: "07:30", RepeatDays: []int{0, 4}}},
		{name: "valid interval", trig: Trigger{Kind: TriggerInterval, EveryMinutes: 15}},
		{name: "valid once", trig: Trigger{Kind: TriggerOnce, FireAt: mondayAt(9, 0)}},
		{name: "past once accepted", trig: Trigger{Kind: TriggerOnce, FireAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}},
		{name: "bad hour", trig: Trigger{Kind: TriggerDaily, At: "24:00"}, wantErr: true},
		{name: "bad minute", trig: Trigger{Kind: TriggerDaily, At: "07:60"}, wantErr: true},
		{name: "not hhmm", trig: Trigger{Kind: TriggerDaily, At: "seven"}, wantErr: true},
		{name: "weekday out of range", trig: Trigger{Kind: TriggerDaily, At: "07:30", RepeatDays: []int{7}}, wantErr: true},
		{name: "zero interval", trig: Trigger{Kind: TriggerInterval}, wantErr: true},
		{name: "negative interval", trig: Trigger{Kind: TriggerInterval, EveryMinutes: -5}, wantErr: true},
		{name: "once without time", trig: Trigger{Kind: TriggerOnce}, wantErr: true},
		{name: "unknown kind", trig: Trigger{Kind: "hourly"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTrigger(tt.trig)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMondayWeekday(t *testing.T) {
	t.Parallel()
	if got := mondayWeekday(mondayAt(0, 0)); got != 0 {
		t.Fatalf("monday = %d, want 0", got)
	}
	if got := mondayWeekday(saturdayAt(0, 0)); got != 5 {
		t.Fatalf("saturday = %d, want 5", got)
	}
	if got := mondayWeekday(time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)); got != 6 {
		t.Fatalf("sunday = %d, want 6", got)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	for _, bad := range []string{"24:00", "12:60", "12", "a:b", ""} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestCanonicalTriggerPadsDailyTime(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"7:30", "07:30"},
		{"07:5", "07:05"},
		{"7:5", "07:05"},
		{"07:30", "07:30"},
	}
	for _, tc := range cases {
		if got := canonicalTrigger(Trigger{Kind: TriggerDaily, At: tc.in}); got.At != tc.want {
			t.Errorf("canonicalTrigger(%q).At = %q, want %q", tc.in, got.At, tc.want)
		}
	}

	once := Trigger{Kind: TriggerOnce, FireAt: mondayAt(7, 30)}
	if got := canonicalTrigger(once); !reflect.DeepEqual(got, once) {
		t.Fatalf("non-daily trigger changed: %+v", got)
	}
}

func TestIntervalZeroMinutesIsNeverDue(t *testing.T) {
	t.Parallel()
	// Unreachable through the write paths, but an externally edited row
	// could carry it; it must evaluate to not-due instead of panicking.
	en := &entry{rule: Rule{
		CreatedAt: mondayAt(7, 0),
		Trigger:   Trigger{Kind: TriggerInterval, EveryMinutes: 0},
	}}
	if dueAt(en, mondayAt(7, 30)) {
		t.Fatal("zero-interval rule reported due")
	}
}
