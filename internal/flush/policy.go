package flush

import (
	"context"
	"fmt"
	"strings"

	"mailflush/internal/eventlog"
)

// Outcome is the result of rendering and sending one delivery.
type Outcome struct {
	Err error
}

func (o Outcome) OK() bool { return o.Err == nil }

// SettlePolicy decides what a delivery outcome does to one source event.
type SettlePolicy interface {
	// Settle records the outcome for id and reports whether the event is now marked sent.
	Settle(ctx context.Context, st eventlog.Store, id string, o Outcome) (bool, error)
	Name() string
}

// AtMostOnce marks every handled event sent, delivered or not. Failed
// events are never retried.
type AtMostOnce struct{}

func (AtMostOnce) Name() string { return "at_most_once" }

func (AtMostOnce) Settle(ctx context.Context, st eventlog.Store, id string, _ Outcome) (bool, error) {
	if err := st.MarkSent(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// RetryUpTo leaves failed events unsent until they have failed Max times.
type RetryUpTo struct {
	Max int
}

func (p RetryUpTo) Name() string { return fmt.Sprintf("retry(%d)", p.Max) }

func (p RetryUpTo) Settle(ctx context.Context, st eventlog.Store, id string, o Outcome) (bool, error) {
	if o.OK() {
		if err := st.MarkSent(ctx, id); err != nil {
			return false, err
		}
		return true, nil
	}
	attempts, err := st.RecordFailure(ctx, id, o.Err.Error())
	if err != nil {
		return false, err
	}
	if attempts < p.Max {
		return false, nil
	}
	if err := st.MarkSent(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// ParsePolicy maps the configuration value to a policy. maxAttempts only
// applies to "retry".
func ParsePolicy(name string, maxAttempts int) (SettlePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "at_most_once", "at-most-once":
		return AtMostOnce{}, nil
	case "retry":
		if maxAttempts < 1 {
			return nil, fmt.Errorf("retry settle policy needs max_attempts >= 1, got %d", maxAttempts)
		}
		return RetryUpTo{Max: maxAttempts}, nil
	default:
		return nil, fmt.Errorf("unknown settle policy %q", name)
	}
}
