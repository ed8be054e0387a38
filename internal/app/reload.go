package app

import (
	"context"
	"strings"

	"mailflush/internal/config"
	"mailflush/internal/eventbus"
	"mailflush/internal/flush"
	"mailflush/internal/task/scheduler"
	logx "mailflush/pkg/logx"
)

// startReporter logs bus traffic. Delivery events stay at debug level;
// failed scheduled runs are surfaced as warnings.
func (a *App) startReporter() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case flush.DeliveryEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("kind", d.Kind),
			logx.String("recipient", d.Recipient), logx.Int("events", len(d.SourceIDs)))
	case scheduler.RunInfo:
		if d.Err != "" && e.Type == eventbus.ScheduleDone {
			a.log.Warn("scheduled run failed", logx.String("job", d.Name), logx.String("err", d.Err), logx.Duration("took", d.Duration))
			return
		}
		a.log.Debug("event", logx.String("type", e.Type), logx.String("job", d.Name))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// startReload applies committed config changes. Settings are read per run,
// so only logging, templates and the trigger need explicit updates here.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(next.LogConfig())
	if err := a.engine.Load(next.RenderConfig()); err != nil {
		a.log.Warn("invalid templates; keeping previous", logx.Err(err))
	}
	a.sched.Apply(scheduler.Config{Enabled: next.Scheduler.Enabled, Timezone: next.Scheduler.Timezone})
	if err := a.register(next); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
