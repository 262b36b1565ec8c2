package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"campaignbot/internal/task/engine"
	logx "campaignbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		every  time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 1m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "5m", kind: SpecInterval, source: "duration", every: 5 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", every: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:05", kind: SpecInterval, source: "hhmm", every: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("got kind=%v source=%s, want %v %s", got.Kind, got.Source, tt.kind, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "-5m", "cron:", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) succeeded, want error", raw)
		}
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop())
	if err := s.Add("bad", "cron:61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for out of range minute")
	}
}

func TestAddUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.Add("mailings", "1m", 0, job); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("mailings", "*/2 * * * *", 0, job); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].Spec != "*/2 * * * *" {
		t.Fatalf("entries = %+v", snap.Entries)
	}
	if !s.Remove("mailings") || s.Remove("mailings") {
		t.Fatal("Remove should succeed exactly once")
	}
}

func TestCronTickRunsOnEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	var ticks atomic.Int32
	if err := s.Add("tick", "* * * * * *", time.Second, func(context.Context) error {
		ticks.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for ticks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if ticks.Load() == 0 {
		t.Fatal("cron tick never ran")
	}
	if snap := s.Snapshot(); !snap.Running || snap.Entries[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestIntervalSpreadBounded(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, spread := intervalWithSpread(time.Minute, now, "dispatch.mailings")
	if spread < 0 || spread >= maxSpread {
		t.Fatalf("spread = %v", spread)
	}
	first := sched.Next(now)
	if got := first.Sub(now); got != time.Minute+spread {
		t.Fatalf("first fire after %v, want %v", got, time.Minute+spread)
	}
	// cron.Every truncates to whole seconds after the first fire
	if gap := sched.Next(first).Sub(first); gap > time.Minute || gap <= time.Minute-time.Second {
		t.Fatalf("second gap = %v", gap)
	}
}
