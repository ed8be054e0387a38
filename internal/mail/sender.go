// Package mail delivers rendered notifications.
//
// Every transport performs exactly one attempt per Send; retry decisions
// belong to the caller.
package mail

import (
	"context"
	"errors"
	"strings"

	logx "mailflush/pkg/logx"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Config selects and configures the transport.
//
// Driver values:
//   - "smtp": direct SMTP submission using the per-message Server
//   - "ses": AWS SES v2 API
//   - "noop": log only, nothing leaves the process
type Config struct {
	Driver string
	SES    SESConfig
}

// Open builds the configured sender.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "mail"), logx.String("driver", driver))
	switch driver {
	case "", "smtp":
		return NewSMTP(log), nil
	case "ses":
		return NewSES(ctx, cfg.SES, log)
	case "noop", "log":
		return NewNoop(log), nil
	default:
		return nil, errors.New("unknown mail transport: " + driver)
	}
}
