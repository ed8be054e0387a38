package flush

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"mailflush/internal/eventlog"
	"mailflush/internal/mail"
	"mailflush/internal/render"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recipientOpt func(*eventlog.Recipient)

func withPing(addr string) recipientOpt {
	return func(r *eventlog.Recipient) {
		r.Preferences.PingNotification = true
		r.Preferences.PingAddress = addr
	}
}

func withoutMessages() recipientOpt {
	return func(r *eventlog.Recipient) { r.Preferences.MessageNotification = false }
}

func withLanguage(lang string) recipientOpt {
	return func(r *eventlog.Recipient) { r.Language = lang }
}

func recipient(id string, opts ...recipientOpt) eventlog.Recipient {
	r := eventlog.Recipient{
		ID:       id,
		Name:     "Name " + id,
		Username: id,
		Address:  id + "@example.org",
		Language: "en",
		Preferences: eventlog.Preferences{
			FileNotification:    true,
			MessageNotification: true,
			CommentNotification: true,
			TipNotification:     true,
		},
	}
	for _, o := range opts {
		o(&r)
	}
	return r
}

// ev builds an event that is age minutes old.
func ev(id string, kind eventlog.Kind, r eventlog.Recipient, age int) eventlog.Event {
	return eventlog.Event{
		ID:        id,
		CreatedAt: base.Add(-time.Duration(age) * time.Minute),
		Kind:      kind,
		Type:      strings.ToLower(string(kind)),
		Recipient: r,
		Payload: eventlog.Payload{
			Tip:     map[string]any{"id": id},
			Context: map[string]any{"name": "ctx-" + r.ID},
		},
	}
}

func seed(t *testing.T, events ...eventlog.Event) *countingStore {
	t.Helper()
	st := &countingStore{Store: eventlog.NewMemory()}
	for _, e := range events {
		if err := st.Append(context.Background(), e); err != nil {
			t.Fatalf("seed %s: %v", e.ID, err)
		}
	}
	return st
}

// countingStore counts reads so tests can assert the store was untouched.
type countingStore struct {
	eventlog.Store

	mu      sync.Mutex
	lists   int
	listErr error
}

func (s *countingStore) ListUnsent(ctx context.Context, limit int, from eventlog.Cursor) ([]eventlog.Event, error) {
	s.mu.Lock()
	s.lists++
	err := s.listErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.ListUnsent(ctx, limit, from)
}

func (s *countingStore) sent(t *testing.T, id string) bool {
	t.Helper()
	e, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return e.Sent
}

// fakeRenderer renders "<key> <tip.id>" titles. Digest bodies echo the
// merged blocks and pings echo their counter.
type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool // tip ids whose render fails
}

func (r *fakeRenderer) Render(key, lang string, data map[string]any) (render.Output, error) {
	var tipID string
	if tip, ok := data["tip"].(map[string]any); ok {
		tipID, _ = tip["id"].(string)
	}
	r.mu.Lock()
	r.calls = append(r.calls, key+"/"+lang+"/"+tipID)
	r.mu.Unlock()

	switch key {
	case render.KeyDigest:
		d := data["digest"].(map[string]any)
		return render.Output{
			Title: fmt.Sprintf("digest %d", d["count"]),
			Body:  d["body"].(string),
		}, nil
	case render.KeyPing:
		p := data["ping"].(map[string]any)
		return render.Output{
			Title: fmt.Sprintf("ping %d", p["counter"]),
			Body:  fmt.Sprintf("%d recipients", len(p["recipients"].([]map[string]any))),
		}, nil
	}
	if r.fail[tipID] {
		return render.Output{}, errors.New("template exploded")
	}
	return render.Output{Title: key + " " + tipID, Body: "body of " + tipID}, nil
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []mail.Message
	failTo map[string]bool
	onSend func(mail.Message)
}

func (s *fakeSender) Send(ctx context.Context, m mail.Message) error {
	if s.onSend != nil {
		s.onSend(m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	if s.failTo[m.ToAddress] {
		return errors.New("421 service not available")
	}
	return nil
}

func (s *fakeSender) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Subject)
	}
	return out
}

func testSettings() Settings {
	return Settings{
		Enabled:       true,
		MaxEvents:     30,
		SkipPacing:    true,
		SourceName:    "Leaks Node",
		SourceAddress: "notify@leaks.example",
		Server:        mail.Server{Host: "smtp.example.org", Port: 587, Security: mail.SecurityStartTLS},
		Node:          map[string]any{"name": "Leaks"},
	}
}

func newTestFlusher(st eventlog.Store, r Renderer, s Sender, settings Settings, opts ...Option) *Flusher {
	return New(st, r, s, StaticSettings(settings), opts...)
}
