package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mailflush/internal/eventbus"
	logx "mailflush/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "descriptor", raw: "@every 1m", kind: SpecCron, source: "cron", cron: "@every 1m"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "daily", raw: "daily:03:15", kind: SpecCron, source: "daily", cron: "15 3 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "00:00", "01:75", "daily:25:00", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestCronSpecForInterval(t *testing.T) {
	t.Parallel()
	ps, err := ParseSchedule("90s")
	if err != nil {
		t.Fatal(err)
	}
	if got := ps.CronSpec(); got != "@every 1m30s" {
		t.Fatalf("CronSpec = %q", got)
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
	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Add("flush", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected cron parse error")
	}
	if err := s.Add("", "1m", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected name error")
	}
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	started := make(chan struct{})
	release := make(chan struct{})
	if err := s.Add("flush", "1m", 0, func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "flush") }()
	<-started

	if err := s.RunNow(context.Background(), "flush"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second RunNow err = %v, want ErrJobRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunNow: %v", err)
	}

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != eventbus.ScheduleSkipped || types[1] != eventbus.ScheduleDone {
		t.Fatalf("events = %v", types)
	}
}

func TestRunNowAppliesTimeoutAndRecordsError(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Add("flush", "1m", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "flush"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Running || jobs[0].Last.Err == "" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestRunNowRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	_ = s.Add("flush", "1m", 0, func(context.Context) error { panic("boom") })
	if err := s.RunNow(context.Background(), "flush"); err == nil {
		t.Fatal("expected panic converted to error")
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v", err)
	}
}

func TestStopWaitsForRunningJobAndRejectsNewRuns(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	if err := s.Add("flush", "1m", 0, func(context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "flush") }()
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the run finished")
	}
	if err := <-done; err != nil {
		t.Fatalf("first RunNow: %v", err)
	}

	if err := s.RunNow(context.Background(), "flush"); !errors.Is(err, ErrStopped) {
		t.Fatalf("RunNow after Stop err = %v, want ErrStopped", err)
	}
	s.Start(context.Background())
	if err := s.RunNow(context.Background(), "flush"); err != nil {
		t.Fatalf("RunNow after Start: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestStartRegistersEnabledJobs(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop(), nil)
	_ = s.Add("flush", "*/5 * * * *", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	defer s.Stop(context.Background())

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Next.IsZero() {
		t.Fatalf("jobs = %+v", jobs)
	}
	if !s.Remove("flush") || len(s.Jobs()) != 0 {
		t.Fatal("Remove did not drop the job")
	}
}

func TestIntervalScheduleSpreadsFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalSchedule(time.Minute, now, "flush")
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if first != now.Add(time.Minute+jitter) {
		t.Fatalf("first = %v", first)
	}
}
