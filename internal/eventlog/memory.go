package eventlog

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps the event log in process memory. It backs the "memory"
// driver and is the base of the file driver.
type memoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
	// onChange persists a mutation with mu held. The map only takes the
	// change once onChange returned nil.
	onChange func(op string, e Event) error
	// onCommit runs with mu held after a change was stored.
	onCommit func()
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return newMemoryStore()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{events: map[string]*Event{}}
}

func (s *memoryStore) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := normalizeEvent(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return ErrConflict
	}
	return s.apply("append", e)
}

func (s *memoryStore) ListUnsent(ctx context.Context, limit int, from Cursor) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if e.Sent || !from.admits(*e) {
			continue
		}
		out = append(out, *e)
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) MarkSent(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.Sent {
		return nil
	}
	next := *e
	next.Sent = true
	return s.apply("sent", next)
}

func (s *memoryStore) RecordFailure(ctx context.Context, id string, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return 0, ErrNotFound
	}
	next := *e
	next.Attempts++
	next.LastError = truncateReason(reason)
	if err := s.apply("failure", next); err != nil {
		return 0, err
	}
	return next.Attempts, nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return *e, nil
}

func (s *memoryStore) Close() error { return nil }

// apply persists e and then stores it; mu must be held.
func (s *memoryStore) apply(op string, e Event) error {
	if s.onChange != nil {
		if err := s.onChange(op, e); err != nil {
			return err
		}
	}
	s.events[e.ID] = &e
	if s.onCommit != nil {
		s.onCommit()
	}
	return nil
}

func sortNewestFirst(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.After(events[j].CreatedAt)
		}
		return events[i].ID > events[j].ID
	})
}
