package flush

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces consecutive sends.
type Pacer interface {
	// Wait blocks until the next send may start or ctx is done.
	Wait(ctx context.Context) error
	// Done marks the end of a send attempt; the next Wait counts from here.
	Done()
}

// NopPacer never waits.
type NopPacer struct{}

func (NopPacer) Wait(ctx context.Context) error { return ctx.Err() }
func (NopPacer) Done()                          {}

// IntervalPacer keeps at least interval between the end of one send and the
// start of the next, however long the send itself took. The first send of a
// run is not delayed.
//
// The limiter holds a single token: Done spends it, Wait blocks until it has
// refilled.
type IntervalPacer struct {
	interval time.Duration
	lim      *rate.Limiter
}

// NewIntervalPacer returns a pacer for the interval, or NopPacer when interval <= 0.
func NewIntervalPacer(interval time.Duration) Pacer {
	if interval <= 0 {
		return NopPacer{}
	}
	return &IntervalPacer{interval: interval, lim: rate.NewLimiter(rate.Every(interval), 1)}
}

func (p *IntervalPacer) Wait(ctx context.Context) error {
	for {
		missing := 1 - p.lim.TokensAt(time.Now())
		if missing <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(time.Duration(missing * float64(p.interval)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *IntervalPacer) Done() {
	p.lim.AllowN(time.Now(), 1)
}
