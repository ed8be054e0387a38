package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailflush/internal/app"
	"mailflush/internal/flush"
)

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&once, "once", false, "run a single flush cycle and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if once {
		os.Exit(runOnce(ctx, a))
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, a *app.App) int {
	rep, err := a.RunOnce(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, app.StopOnce)

	switch {
	case errors.Is(err, flush.ErrDisabled):
		fmt.Fprintln(os.Stderr, "notifications are disabled; nothing to do")
		return 0
	case err != nil:
		fmt.Fprintln(os.Stderr, "flush failed:", err)
		return 1
	}
	fmt.Printf("sent=%d failed=%d marked=%d digests=%d singles=%d pings=%d\n",
		rep.Sent, rep.Failed, rep.Marked, rep.Digests, rep.Singles, rep.Pings)
	if rep.Failed > 0 {
		return 2
	}
	return 0
}
