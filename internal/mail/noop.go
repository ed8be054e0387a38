package mail

import (
	"context"
	"sync"

	logx "mailflush/pkg/logx"
)

// NoopSender logs messages instead of delivering them and keeps the last
// few in memory for inspection.
type NoopSender struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Message
	keep int
}

func NewNoop(log logx.Logger) *NoopSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NoopSender{log: log, keep: 100}
}

func (s *NoopSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, m)
	if len(s.sent) > s.keep {
		s.sent = s.sent[len(s.sent)-s.keep:]
	}
	s.mu.Unlock()
	s.log.Info("mail suppressed (noop transport)",
		logx.Addr("to", m.ToAddress),
		logx.String("subject", m.Subject),
		logx.Int("body_len", len(m.Body)),
	)
	return nil
}

// Sent returns a copy of the retained messages, oldest first.
func (s *NoopSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}
