// Package flush drains pending notification events into mail.
//
// A run loads the newest unsent events the recipients want to hear about,
// merges every recipient with more than one event into a digest, sends the
// digests, then the remaining single events, and finally one ping summary.
// Each source event is settled right after its delivery so that a crash
// mid-run never re-sends what already went out.
package flush

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"mailflush/internal/eventbus"
	"mailflush/internal/eventlog"
	"mailflush/internal/lock"
	"mailflush/internal/mail"
	"mailflush/internal/render"
	logx "mailflush/pkg/logx"
)

// Renderer produces the title and body for a template key.
type Renderer interface {
	Render(key, lang string, data map[string]any) (render.Output, error)
}

// Sender hands one message to the mail transport.
type Sender interface {
	Send(ctx context.Context, m mail.Message) error
}

// Report summarizes one run.
type Report struct {
	Started  time.Time
	Finished time.Time

	Scanned  int // unsent events inspected
	Filtered int // dropped by recipient preferences
	Eligible int // working set size

	Digests int
	Singles int
	Pings   int

	Sent       int
	Failed     int
	Marked     int
	MarkErrors int
}

// Flusher runs flush cycles. Run is safe to call from several goroutines;
// overlapping calls fail with ErrRunInProgress.
type Flusher struct {
	store    eventlog.Store
	renderer Renderer
	sender   Sender
	settings SettingsSource

	log      logx.Logger
	bus      eventbus.Bus
	locker   lock.Locker
	pacer    Pacer
	now      func() time.Time
	pageSize int

	running atomic.Bool
}

type Option func(*Flusher)

func WithLogger(l logx.Logger) Option { return func(f *Flusher) { f.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(f *Flusher) { f.bus = b } }

// WithLocker adds a cross-process run lock.
func WithLocker(l lock.Locker) Option { return func(f *Flusher) { f.locker = l } }

// WithPacer overrides the pacer otherwise derived from Settings on every run.
func WithPacer(p Pacer) Option { return func(f *Flusher) { f.pacer = p } }

// WithPageSize sets how many events are read from the store per query.
func WithPageSize(n int) Option {
	return func(f *Flusher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(f *Flusher) { f.now = now } }

func New(store eventlog.Store, r Renderer, s Sender, settings SettingsSource, opts ...Option) *Flusher {
	f := &Flusher{
		store:    store,
		renderer: r,
		sender:   s,
		settings: settings,
		now:      time.Now,
		pageSize: defaultPageSize,
	}
	for _, o := range opts {
		o(f)
	}
	if f.log.IsZero() {
		f.log = logx.Nop()
	}
	f.log = f.log.With(logx.String("comp", "flush"))
	return f
}

// Run executes one flush cycle.
//
// It returns ErrDisabled without touching the store when notifications are
// off, ErrRunInProgress when another run holds the lock, and an error
// wrapping ErrLoad when pending events cannot be read. Render and transport
// failures are counted in the report and never abort the run. If ctx is
// cancelled the run stops before the next send and returns ctx.Err().
//
// When the locker expires unless renewed (lock.Refresher), the lock is
// refreshed in the background for the whole run. If ownership is lost the
// run stops before the next send and returns an error wrapping ErrLockLost.
func (f *Flusher) Run(ctx context.Context) (Report, error) {
	rep := Report{Started: f.now()}
	if !f.running.CompareAndSwap(false, true) {
		return rep, ErrRunInProgress
	}
	defer f.running.Store(false)

	s := f.settings.Settings()
	if !s.Enabled {
		f.log.Debug("receiver notification disabled by admin")
		return rep, ErrDisabled
	}

	if f.locker != nil {
		ok, err := f.locker.Acquire(ctx)
		if err != nil {
			return rep, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			f.log.Debug("run lock held elsewhere, skipping")
			return rep, ErrRunInProgress
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := f.locker.Release(rctx); err != nil {
				f.log.Warn("release run lock failed", logx.Err(err))
			}
		}()
		if r, ok := f.locker.(lock.Refresher); ok {
			var stop func()
			ctx, stop = f.keepLock(ctx, r)
			defer stop()
		}
	}

	err := f.run(ctx, s, &rep)
	rep.Finished = f.now()
	f.publish(eventbus.FlushRun, rep)

	lvl := f.log.Info
	if rep.Eligible == 0 && err == nil {
		lvl = f.log.Debug
	}
	lvl("flush run finished",
		logx.Int("scanned", rep.Scanned),
		logx.Int("eligible", rep.Eligible),
		logx.Int("digests", rep.Digests),
		logx.Int("singles", rep.Singles),
		logx.Int("pings", rep.Pings),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("marked", rep.Marked),
		logx.Duration("took", rep.Finished.Sub(rep.Started)),
		logx.Err(err),
	)
	return rep, err
}

// keepLock refreshes r every third of its TTL. The returned context is
// cancelled with ErrLockLost when a refresh fails or finds the lock taken
// over; stop ends the refresher and must run before the lock is released.
func (f *Flusher) keepLock(ctx context.Context, r lock.Refresher) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	every := r.TTL() / 3
	if every <= 0 {
		return ctx, func() { cancel(nil) }
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-t.C:
			}
			ok, err := r.Refresh(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				f.log.Error("refresh run lock failed; stopping run", logx.Err(err))
				cancel(fmt.Errorf("%w: %w", ErrLockLost, err))
				return
			case !ok:
				f.log.Error("run lock taken over; stopping run")
				cancel(ErrLockLost)
				return
			}
		}
	}()
	return ctx, func() {
		close(quit)
		<-done
		cancel(nil)
	}
}

func (f *Flusher) run(ctx context.Context, s Settings, rep *Report) error {
	events, err := f.load(ctx, s, rep)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}
	if len(events) == 0 {
		return nil
	}

	groups := GroupByRecipient(events)
	pacer := f.pacerFor(s)
	policy := s.policy()

	absorbed := make(map[string]bool)
	for _, g := range groups {
		if f.log.Enabled(logx.LevelDebug) {
			f.log.Debug("recipient events", logx.String("recipient", g.Recipient.ID), logx.Any("kinds", g.Kinds))
		}
		if len(g.Events) < 2 {
			continue
		}
		d, merrs := BuildDigest(g, s.Node, func(o Original) (render.Output, error) {
			return f.render(o)
		})
		for _, me := range merrs {
			f.log.Warn("digest member render failed, block omitted",
				logx.String("event", me.EventID), logx.Err(me.Err))
		}
		for _, e := range g.Events {
			absorbed[e.ID] = true
		}
		rep.Digests++
		if err := f.deliver(ctx, s, pacer, policy, d, rep); err != nil {
			return err
		}
	}

	for _, e := range events {
		if absorbed[e.ID] {
			continue
		}
		rep.Singles++
		if err := f.deliver(ctx, s, pacer, policy, Original{Event: e, Node: s.Node}, rep); err != nil {
			return err
		}
	}

	// The ping language follows the first working-set event for every recipient.
	if p, ok := BuildPing(TallyPings(events), events[0].Recipient.Language, s.Node); ok {
		rep.Pings++
		if err := f.deliver(ctx, s, pacer, policy, p, rep); err != nil {
			return err
		}
	}
	return nil
}

// load pages through unsent events newest first and keeps the eligible ones
// until MaxEvents are collected.
func (f *Flusher) load(ctx context.Context, s Settings, rep *Report) ([]eventlog.Event, error) {
	limit := s.maxEvents()
	page := f.pageSize
	kinds := map[eventlog.Kind]int{}
	out := make([]eventlog.Event, 0, limit)

	cur := eventlog.Cursor{}
	for len(out) < limit {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		batch, err := f.store.ListUnsent(ctx, page, cur)
		if err != nil {
			return nil, err
		}
		for _, e := range batch {
			rep.Scanned++
			kinds[e.Kind]++
			if !Eligible(e) {
				rep.Filtered++
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				f.log.Debug("maximum number of notification events reached",
					logx.Int("limit", limit), logx.Int("scanned", rep.Scanned))
				break
			}
		}
		if len(batch) < page {
			break
		}
		cur = eventlog.After(batch[len(batch)-1])
	}
	rep.Eligible = len(out)
	if len(kinds) > 0 {
		f.log.Debug("pending events loaded", logx.Any("kinds", kinds), logx.Int("eligible", len(out)))
	}
	return out, nil
}

func (f *Flusher) pacerFor(s Settings) Pacer {
	if f.pacer != nil {
		return f.pacer
	}
	if s.SkipPacing {
		return NopPacer{}
	}
	return NewIntervalPacer(s.PaceInterval)
}

func (f *Flusher) render(d Delivery) (render.Output, error) {
	out, err := f.renderer.Render(d.TemplateKey(), d.Language(), d.TemplateData())
	if err != nil {
		return render.Output{}, &RenderError{Key: d.TemplateKey(), Lang: d.Language(), Err: err}
	}
	return out, nil
}

// deliver renders, sends and settles one delivery. It only returns an error
// when the run must stop before the send starts.
func (f *Flusher) deliver(ctx context.Context, s Settings, pacer Pacer, policy SettlePolicy, d Delivery, rep *Report) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err := pacer.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("pace: %w", err)
	}

	kind := deliveryKind(d)
	log := f.log.With(
		logx.String("delivery", kind),
		logx.String("recipient", d.Recipient().ID),
		logx.Addr("to", d.Address()),
	)

	var outcome Outcome
	out, err := f.render(d)
	if err == nil {
		msg := mail.Message{
			FromName:    s.fromName(),
			FromAddress: s.SourceAddress,
			ToName:      d.Recipient().Name,
			ToAddress:   d.Address(),
			Subject:     out.Title,
			Body:        out.Body,
			Server:      s.Server,
		}
		serr := f.sender.Send(ctx, msg)
		pacer.Done()
		if serr != nil {
			err = fmt.Errorf("send mail: %w", serr)
		}
	}
	outcome.Err = err

	if outcome.OK() {
		rep.Sent++
		log.Debug("mail delivered", logx.Int("events", len(d.SourceIDs())))
		f.publish(eventbus.FlushSent, deliveryEvent(kind, d, nil))
	} else {
		rep.Failed++
		log.Error("mail delivery failed", logx.Int("events", len(d.SourceIDs())), logx.Err(err))
		f.publish(eventbus.FlushFailed, deliveryEvent(kind, d, err))
	}

	// The send already happened; record it even if ctx was cancelled meanwhile.
	sctx := context.WithoutCancel(ctx)
	for _, id := range d.SourceIDs() {
		marked, serr := policy.Settle(sctx, f.store, id, outcome)
		if serr != nil {
			rep.MarkErrors++
			log.Error("settle event failed", logx.String("event", id), logx.String("policy", policy.Name()), logx.Err(serr))
			continue
		}
		if marked {
			rep.Marked++
		}
	}
	return nil
}

// DeliveryEvent is published on the bus after every delivery attempt.
type DeliveryEvent struct {
	Kind      string
	Recipient string
	SourceIDs []string
	Err       string
}

func deliveryEvent(kind string, d Delivery, err error) DeliveryEvent {
	ev := DeliveryEvent{Kind: kind, Recipient: d.Recipient().ID, SourceIDs: d.SourceIDs()}
	if err != nil {
		ev.Err = err.Error()
	}
	return ev
}

func (f *Flusher) publish(typ string, data any) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(eventbus.Event{Type: typ, Time: f.now(), Data: data})
}
