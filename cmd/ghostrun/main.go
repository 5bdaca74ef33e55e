package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ghostrun/internal/app"
	logx "ghostrun/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./ghostrun.yaml", "path to config (yaml or json)")
	flag.DurationVar(&stopTimeout, "stop-timeout", 3*time.Minute, "upper bound for graceful shutdown")
	flag.Parse()

	// Used until the configured logger exists, and for exit reasons after it
	// is closed.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		boot.Error("load failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = a.Stop(ctx, reason)

	if err := a.Err(); err != nil && reason == app.StopFatalError {
		boot.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
}
