package app

import (
	"context"
	"fmt"
	"time"

	logx "mailflush/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopOnce       StopReason = "once"
)

// Stop shuts every component down in dependency order. Each step is bounded
// so one stuck component cannot stall the rest; ctx caps the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		notifySystemd(a.log, sdStopping)
		a.sup.Cancel()
	}

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}
	a.step(ctx, "backends", 2*time.Second, func(context.Context) error { a.closeBackends(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// never extend the caller's deadline
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
