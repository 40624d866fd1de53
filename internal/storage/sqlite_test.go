package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"homehub/internal/schedule"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRule() schedule.Rule {
	return schedule.Rule{
		Name:       "MorningLight",
		DeviceType: schedule.DeviceLighting,
		Action:     "set",
		Parameters: map[string]any{"brightness": float64(80), "scene": "warm"},
		Trigger: schedule.Trigger{
			Kind:       schedule.TriggerDaily,
			At:         "07:30",
			RepeatDays: []int{0, 1, 2, 3, 4},
		},
		Enabled:   true,
		CreatedAt: time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC),
	}
}

func TestCreateAndGetRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	want := sampleRule()
	id, err := s.CreateRule(ctx, want)
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	got, err := s.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.ID != id || got.Name != want.Name || got.DeviceType != want.DeviceType || got.Action != want.Action {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.Enabled {
		t.Fatal("enabled flag lost")
	}
	if got.Parameters["brightness"] != float64(80) || got.Parameters["scene"] != "warm" {
		t.Fatalf("parameters = %+v", got.Parameters)
	}
	if got.Trigger.Kind != schedule.TriggerDaily || got.Trigger.At != "07:30" {
		t.Fatalf("trigger = %+v", got.Trigger)
	}
	if len(got.Trigger.RepeatDays) != 5 || got.Trigger.RepeatDays[4] != 4 {
		t.Fatalf("repeat days = %v", got.Trigger.RepeatDays)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func TestOnceTriggerRoundtripsFireAt(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	fireAt := time.Date(2024, 6, 15, 18, 45, 0, 0, time.UTC)
	r := sampleRule()
	r.Trigger = schedule.Trigger{Kind: schedule.TriggerOnce, FireAt: fireAt}

	id, err := s.CreateRule(ctx, r)
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	got, err := s.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Trigger.Kind != schedule.TriggerOnce || !got.Trigger.FireAt.Equal(fireAt) {
		t.Fatalf("trigger = %+v", got.Trigger)
	}
}

func TestPartialUpdateLeavesOtherFieldsIntact(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRule(ctx, sampleRule())
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	name := "EveningLight"
	trig := schedule.Trigger{Kind: schedule.TriggerInterval, EveryMinutes: 15}
	if err := s.UpdateRule(ctx, id, schedule.RuleUpdate{Name: &name, Trigger: &trig}); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}

	got, err := s.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Name != "EveningLight" {
		t.Fatalf("name = %q", got.Name)
	}
	if got.Trigger.Kind != schedule.TriggerInterval || got.Trigger.EveryMinutes != 15 {
		t.Fatalf("trigger = %+v", got.Trigger)
	}
	// Untouched fields survive.
	if got.Action != "set" || got.DeviceType != schedule.DeviceLighting || !got.Enabled {
		t.Fatalf("unrelated fields mutated: %+v", got)
	}
	if got.Parameters["brightness"] != float64(80) {
		t.Fatalf("parameters mutated: %+v", got.Parameters)
	}
}

func TestEmptyUpdateStillReportsNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateRule(ctx, 42, schedule.RuleUpdate{}); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	id, err := s.CreateRule(ctx, sampleRule())
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if err := s.UpdateRule(ctx, id, schedule.RuleUpdate{}); err != nil {
		t.Fatalf("empty update on existing rule: %v", err)
	}
}

func TestUpdateAndDeleteUnknownID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	name := "x"
	if err := s.UpdateRule(ctx, 999, schedule.RuleUpdate{Name: &name}); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("update err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteRule(ctx, 999); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetRule(ctx, 999); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("get err = %v, want ErrNotFound", err)
	}
}

func TestListEnabledFiltersDisabledRules(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	on := sampleRule()
	off := sampleRule()
	off.Name = "off"
	off.Enabled = false

	onID, err := s.CreateRule(ctx, on)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateRule(ctx, off); err != nil {
		t.Fatal(err)
	}

	enabled, err := s.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != onID {
		t.Fatalf("enabled = %+v", enabled)
	}

	all, err := s.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all rules = %d, want 2", len(all))
	}
}

func TestExecutionLogNewestFirstWithLimitAndFilter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ruleID := int64(1)
		if i%2 == 1 {
			ruleID = 2
		}
		if _, err := s.AppendExecution(ctx, schedule.ExecutionRecord{
			RuleID:     ruleID,
			DeviceType: schedule.DeviceLighting,
			Action:     "set",
			Parameters: map[string]any{"step": float64(i)},
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("AppendExecution(%d): %v", i, err)
		}
	}

	recent, err := s.ListExecutions(ctx, 0, 3)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("records = %d, want 3", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].ExecutedAt.After(recent[i-1].ExecutedAt) {
			t.Fatalf("records not newest-first: %v before %v", recent[i-1].ExecutedAt, recent[i].ExecutedAt)
		}
	}
	if recent[0].Parameters["step"] != float64(4) {
		t.Fatalf("newest record = %+v", recent[0])
	}

	byRule, err := s.ListExecutions(ctx, 2, 10)
	if err != nil {
		t.Fatalf("ListExecutions(rule 2): %v", err)
	}
	if len(byRule) != 2 {
		t.Fatalf("rule-2 records = %d, want 2", len(byRule))
	}
	for _, rec := range byRule {
		if rec.RuleID != 2 {
			t.Fatalf("filter leaked record: %+v", rec)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestReopenSeesPersistedRules(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := s.CreateRule(ctx, sampleRule())
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(Config{Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule after reopen: %v", err)
	}
	if got.Name != "MorningLight" {
		t.Fatalf("got %+v", got)
	}
}
