package eventlog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	logx "mailflush/pkg/logx"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testEvent(id string, kind Kind, rid string, age time.Duration) Event {
	return Event{
		ID:        id,
		CreatedAt: testBase.Add(-age),
		Kind:      kind,
		Type:      "tip",
		Recipient: Recipient{
			ID:      rid,
			Name:    "Recipient " + rid,
			Address: rid + "@example.org",
			Preferences: Preferences{
				TipNotification: true,
			},
		},
		Payload: Payload{
			Tip: map[string]any{"sequence_number": float64(7)},
		},
	}
}

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "events.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "events.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
}

func TestStoreListUnsentNewestFirst(t *testing.T) {
	for name, open := range storeFactories() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			for i, id := range []string{"e1", "e2", "e3"} {
				if err := st.Append(ctx, testEvent(id, KindTip, "r1", time.Duration(i)*time.Minute)); err != nil {
					t.Fatalf("Append(%s): %v", id, err)
				}
			}
			got, err := st.ListUnsent(ctx, 10, Cursor{})
			if err != nil {
				t.Fatalf("ListUnsent: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			for i, want := range []string{"e1", "e2", "e3"} {
				if got[i].ID != want {
					t.Fatalf("got[%d] = %s, want %s", i, got[i].ID, want)
				}
			}
			if got[0].Recipient.Address != "r1@example.org" || !got[0].Recipient.Preferences.TipNotification {
				t.Fatalf("recipient not round-tripped: %+v", got[0].Recipient)
			}
			if got[0].Payload.Tip["sequence_number"] != float64(7) {
				t.Fatalf("payload not round-tripped: %+v", got[0].Payload)
			}
		})
	}
}

func TestStoreKeysetPaging(t *testing.T) {
	for name, open := range storeFactories() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			// Two events share a timestamp so the id tie-break is exercised.
			_ = st.Append(ctx, testEvent("a", KindTip, "r1", 0))
			_ = st.Append(ctx, testEvent("b", KindTip, "r1", time.Minute))
			_ = st.Append(ctx, testEvent("c", KindTip, "r1", time.Minute))
			_ = st.Append(ctx, testEvent("d", KindTip, "r1", 2*time.Minute))

			var seen []string
			cur := Cursor{}
			for {
				page, err := st.ListUnsent(ctx, 2, cur)
				if err != nil {
					t.Fatalf("ListUnsent: %v", err)
				}
				if len(page) == 0 {
					break
				}
				for _, e := range page {
					seen = append(seen, e.ID)
				}
				cur = After(page[len(page)-1])
			}
			want := []string{"a", "c", "b", "d"}
			if fmt.Sprint(seen) != fmt.Sprint(want) {
				t.Fatalf("paged order = %v, want %v", seen, want)
			}
		})
	}
}

func TestStoreMarkSentIdempotent(t *testing.T) {
	for name, open := range storeFactories() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			_ = st.Append(ctx, testEvent("e1", KindTip, "r1", 0))
			_ = st.Append(ctx, testEvent("e2", KindTip, "r1", time.Minute))

			if err := st.MarkSent(ctx, "e1"); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			if err := st.MarkSent(ctx, "e1"); err != nil {
				t.Fatalf("second MarkSent: %v", err)
			}
			got, err := st.ListUnsent(ctx, 10, Cursor{})
			if err != nil {
				t.Fatalf("ListUnsent: %v", err)
			}
			if len(got) != 1 || got[0].ID != "e2" {
				t.Fatalf("unsent = %+v, want only e2", got)
			}
			e, err := st.Get(ctx, "e1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !e.Sent {
				t.Fatalf("e1 should be sent")
			}
			if err := st.MarkSent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("MarkSent(missing) err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreAppendConflictAndValidation(t *testing.T) {
	for name, open := range storeFactories() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			if err := st.Append(ctx, testEvent("e1", KindTip, "r1", 0)); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := st.Append(ctx, testEvent("e1", KindTip, "r1", 0)); !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate Append err = %v, want ErrConflict", err)
			}
			if err := st.Append(ctx, testEvent("e2", Kind("Bogus"), "r1", 0)); err == nil {
				t.Fatalf("expected error for unknown kind")
			}
			if err := st.Append(ctx, testEvent("e3", KindTip, "", 0)); err == nil {
				t.Fatalf("expected error for missing recipient")
			}
		})
	}
}

func TestStoreRecordFailure(t *testing.T) {
	for name, open := range storeFactories() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			_ = st.Append(ctx, testEvent("e1", KindTip, "r1", 0))
			for want := 1; want <= 2; want++ {
				n, err := st.RecordFailure(ctx, "e1", "smtp: 421 try later")
				if err != nil {
					t.Fatalf("RecordFailure: %v", err)
				}
				if n != want {
					t.Fatalf("attempts = %d, want %d", n, want)
				}
			}
			e, err := st.Get(ctx, "e1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if e.Sent || e.LastError != "smtp: 421 try later" {
				t.Fatalf("unexpected event state: %+v", e)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.Append(ctx, testEvent("e1", KindTip, "r1", 0))
	_ = st.Append(ctx, testEvent("e2", KindComment, "r2", time.Minute))
	if err := st.MarkSent(ctx, "e1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.ListUnsent(ctx, 10, Cursor{})
	if err != nil {
		t.Fatalf("ListUnsent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" || got[0].Kind != KindComment {
		t.Fatalf("after reopen unsent = %+v", got)
	}
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	st := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := st.ListUnsent(ctx, 1, Cursor{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongodb"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestTruncateReason(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	got := truncateReason(string(long))
	if len(got) != 1000 {
		t.Fatalf("len = %d, want 1000", len(got))
	}
}

func TestTruncateReasonKeepsRunes(t *testing.T) {
	// 996 ASCII bytes put a two-byte rune across the cut.
	s := strings.Repeat("x", 996) + strings.Repeat("è", 100)
	got := truncateReason(s)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated reason is not valid UTF-8: %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "...") || len(got) > 1000 {
		t.Fatalf("len = %d, suffix %q", len(got), got[len(got)-3:])
	}
}

func TestMemoryStoreKeepsStateWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryStore()
	if err := mem.Append(ctx, testEvent("e1", KindTip, "r1", 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	diskFull := errors.New("disk full")
	mem.onChange = func(string, Event) error { return diskFull }

	if err := mem.MarkSent(ctx, "e1"); !errors.Is(err, diskFull) {
		t.Fatalf("MarkSent err = %v, want disk full", err)
	}
	if _, err := mem.RecordFailure(ctx, "e1", "421"); !errors.Is(err, diskFull) {
		t.Fatalf("RecordFailure err = %v, want disk full", err)
	}
	e, err := mem.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Sent || e.Attempts != 0 || e.LastError != "" {
		t.Fatalf("unpersisted change leaked into memory: %+v", e)
	}
	if err := mem.Append(ctx, testEvent("e2", KindTip, "r1", 0)); !errors.Is(err, diskFull) {
		t.Fatalf("Append err = %v, want disk full", err)
	}
	if _, err := mem.Get(ctx, "e2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(e2) err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreJournalFailureLeavesEventUnsent(t *testing.T) {
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "events.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.Append(ctx, testEvent("e1", KindTip, "r1", 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	fs := st.(*fileStore)
	_ = fs.journal.Close()

	if err := st.MarkSent(ctx, "e1"); err == nil {
		t.Fatal("MarkSent succeeded without a journal")
	}
	got, err := st.ListUnsent(ctx, 10, Cursor{})
	if err != nil {
		t.Fatalf("ListUnsent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("unsent = %+v, want e1 still pending", got)
	}
}
