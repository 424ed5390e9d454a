package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/portswitch"
)

const shutdownTimeout = 15 * time.Second

// runServe loads the config, starts the daemon and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives. onReady, when set, sees the running
// daemon.
func runServe(ctx context.Context, flags ServeFlags, args []string, onReady func(*portswitch.Daemon)) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := portswitch.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logFile := flags.LogFile
	if logFile == "" {
		logFile = cfg.Server.LogFile
	}
	if flags.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("daemonize is not supported on this platform")
		}
		return daemonize(cfg.Server.PIDFile, logFile)
	}

	logCfg := cfg.LoggerConfig()
	if logFile != "" {
		w := logCfg.File.RotatingFile(logFile)
		defer func() { _ = w.Close() }()
		logCfg.Slog.Output = w
		logCfg.Slog.Color = false
	}
	log := logCfg.NewSlogger()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := portswitch.NewDaemon(cfg, portswitch.Options{Logger: log})
	if err != nil {
		return err
	}
	if cfg.Server.PIDFile != "" {
		defer func() { _ = removePidFile(cfg.Server.PIDFile) }()
	}
	if onReady != nil {
		onReady(d)
	}
	log.Info("serving", "api", d.APIURL(), "config", configPath)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Shutdown(shutdownCtx)
}
