package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailflush/internal/config"
	"mailflush/internal/eventlog"
	"mailflush/internal/flush"
	"mailflush/internal/mail"
)

const testConfig = `{
	"logging": {"level": "error"},
	"scheduler": {"enabled": false, "schedule": "@every 1h"},
	"notification": {"source_address": "notify@leaks.example", "skip_pacing": true},
	"transport": {"driver": "noop"},
	"node": {"name": "Leaks"}
}`

func newTestApp(t *testing.T, body string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a
}

func appendTip(t *testing.T, a *App, id, rid string) {
	t.Helper()
	err := a.store.Append(context.Background(), eventlog.Event{
		ID:        id,
		CreatedAt: time.Now().Add(-time.Minute),
		Kind:      eventlog.KindTip,
		Type:      "tip",
		Recipient: eventlog.Recipient{
			ID:          rid,
			Name:        "Receiver " + rid,
			Address:     rid + "@leaks.example",
			Language:    "en",
			Preferences: eventlog.Preferences{TipNotification: true},
		},
		Payload: eventlog.Payload{Tip: map[string]any{"sequence_number": 7}},
	})
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
}

func noopSender(t *testing.T, a *App) *mail.NoopSender {
	t.Helper()
	s, ok := a.sender.(*mail.NoopSender)
	if !ok {
		t.Fatalf("sender = %T, want *mail.NoopSender", a.sender)
	}
	return s
}

func TestRunOnceDeliversAndMarks(t *testing.T) {
	a := newTestApp(t, testConfig)
	appendTip(t, a, "e1", "r1")

	rep, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Sent != 1 || rep.Marked != 1 {
		t.Fatalf("report = %+v", rep)
	}
	sent := noopSender(t, a).Sent()
	if len(sent) != 1 || sent[0].ToAddress != "r1@leaks.example" || sent[0].FromAddress != "notify@leaks.example" {
		t.Fatalf("sent = %+v", sent)
	}

	rep, err = a.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if rep.Sent != 0 || len(noopSender(t, a).Sent()) != 1 {
		t.Fatalf("event re-delivered: %+v", rep)
	}
}

func TestRunOnceDisabled(t *testing.T) {
	a := newTestApp(t, `{
		"notification": {"enabled": false},
		"transport": {"driver": "noop"}
	}`)
	appendTip(t, a, "e1", "r1")
	if _, err := a.RunOnce(context.Background()); !errors.Is(err, flush.ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if got := len(noopSender(t, a).Sent()); got != 0 {
		t.Fatalf("sent %d mails while disabled", got)
	}
}

func TestScheduledJobRunsFlush(t *testing.T) {
	a := newTestApp(t, testConfig)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	appendTip(t, a, "e1", "r1")

	if err := a.sched.RunNow(context.Background(), FlushJob); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got := len(noopSender(t, a).Sent()); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
	ev, err := a.store.Get(context.Background(), "e1")
	if err != nil || !ev.Sent {
		t.Fatalf("event not marked sent: %+v, %v", ev, err)
	}
}

func TestApplyConfigReplacesTrigger(t *testing.T) {
	a := newTestApp(t, testConfig)
	prev := a.cfgm.Get()
	next, err := config.Decode("c.json", []byte(testConfig))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	next.Scheduler.Schedule = "*/5 * * * *"

	a.applyConfig(prev, next)
	if a.schedule != "*/5 * * * *" {
		t.Fatalf("schedule = %q", a.schedule)
	}
	jobs := a.sched.Jobs()
	if len(jobs) != 1 || jobs[0].Name != FlushJob || jobs[0].Spec != "*/5 * * * *" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"transport": {"driver": "pigeon"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), path); err == nil {
		t.Fatal("expected error")
	}
}
