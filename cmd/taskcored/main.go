package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskcore/internal/app"
	"taskcore/internal/config"
	"taskcore/internal/tasks/httpcall"
	"taskcore/internal/tasks/shell"
	"taskcore/internal/tasks/sleeper"
	logx "taskcore/pkg/logx"
)

func main() {
	config.LoadDotEnv()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", config.EnvString(config.EnvConfigPath, "./config.yaml"), "path to config (yaml or json)")
	flag.Parse()

	// Logs until the app's own logger is configured.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "taskcored"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath,
		sleeper.Descriptor(),
		shell.Descriptor(),
		httpcall.Descriptor(),
	)
	if err != nil {
		bootLog.Error("init failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		bootLog.Error("start failed", logx.Err(err))
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	// The app bounds every step itself; this only caps a wedged stop.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*a.StopTimeout()+5*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		bootLog.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}
