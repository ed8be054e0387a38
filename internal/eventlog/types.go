package eventlog

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrDisabled = errors.New("event store disabled")
	ErrNotFound = errors.New("event not found")
	ErrConflict = errors.New("event already exists")
)

// Kind is the trigger category of an event.
type Kind string

const (
	KindFile              Kind = "File"
	KindMessage           Kind = "Message"
	KindComment           Kind = "Comment"
	KindTip               Kind = "Tip"
	KindUpcomingExpireTip Kind = "UpcomingExpireTip"
)

// Valid reports whether k is one of the known trigger kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFile, KindMessage, KindComment, KindTip, KindUpcomingExpireTip:
		return true
	}
	return false
}

// Preferences are the recipient's notification toggles, captured when the event was written.
type Preferences struct {
	FileNotification    bool   `json:"file_notification"`
	MessageNotification bool   `json:"message_notification"`
	CommentNotification bool   `json:"comment_notification"`
	TipNotification     bool   `json:"tip_notification"`
	PingNotification    bool   `json:"ping_notification"`
	PingAddress         string `json:"ping_mail_address,omitempty"`
}

// Recipient is the snapshot of a receiver embedded in each event.
type Recipient struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Username    string      `json:"username,omitempty"`
	Address     string      `json:"mail_address"`
	Language    string      `json:"language,omitempty"`
	Preferences Preferences `json:"preferences"`
}

// Payload is the renderer-only part of an event. Each section is an opaque JSON object.
type Payload struct {
	Tip      map[string]any `json:"tip_info,omitempty"`
	Context  map[string]any `json:"context_info,omitempty"`
	Steps    map[string]any `json:"steps_info,omitempty"`
	SubEvent map[string]any `json:"subevent_info,omitempty"`
}

// Event is one notifiable occurrence awaiting mail delivery.
type Event struct {
	ID        string
	CreatedAt time.Time
	Kind      Kind
	// Type is the description type of the underlying object ("tip", "comment", ...).
	Type      string
	Recipient Recipient
	Payload   Payload

	Sent      bool
	Attempts  int
	LastError string
}

// Cursor is a keyset position in the newest-first unsent listing.
// The zero Cursor means "start from the newest event".
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether c is the starting cursor.
func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() && c.ID == "" }

// After returns the cursor positioned just past e.
func After(e Event) Cursor { return Cursor{CreatedAt: e.CreatedAt, ID: e.ID} }

// admits reports whether e sorts strictly past the cursor in newest-first order.
func (c Cursor) admits(e Event) bool {
	if c.IsZero() {
		return true
	}
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

// Store is the durable event log consumed by the flusher.
type Store interface {
	// Append writes a new unsent event. Producers call this; the flusher never does.
	Append(ctx context.Context, e Event) error
	// ListUnsent returns up to limit unsent events strictly past the cursor,
	// newest first (created_at DESC, id DESC).
	ListUnsent(ctx context.Context, limit int, from Cursor) ([]Event, error)
	// Get loads one event regardless of its sent state.
	Get(ctx context.Context, id string) (Event, error)
	// MarkSent flips the sent flag. Marking an already-sent event is a no-op.
	MarkSent(ctx context.Context, id string) error
	// RecordFailure increments the attempt counter and stores the reason,
	// returning the new attempt count.
	RecordFailure(ctx context.Context, id string, reason string) (int, error)
	Close() error
}

func normalizeEvent(e Event) (Event, error) {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return Event{}, errors.New("event id is required")
	}
	if !e.Kind.Valid() {
		return Event{}, errors.New("unknown event kind: " + string(e.Kind))
	}
	if strings.TrimSpace(e.Recipient.ID) == "" {
		return Event{}, errors.New("recipient id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func truncateReason(s string) string {
	const maxN = 1000
	if len(s) <= maxN {
		return s
	}
	cut := maxN - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
