package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recomma/arbiter/cmd/arbiter/internal/config"
	rlog "github.com/recomma/arbiter/log"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "cooldowns":
			os.Exit(runCooldowns(os.Args[2:], os.Stdout, os.Stderr))
		case "flagged":
			os.Exit(runFlagged(os.Args[2:], os.Stdout, os.Stderr))
		}
	}

	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}
	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid environment", err)
	}
	if err := config.LoadFile(fs, &cfg); err != nil {
		fatal("loading config file failed", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	handler, closeLog, err := config.GetLogHandler(cfg, os.Stderr)
	if err != nil {
		fatal("log setup failed", err)
	}
	defer closeLog()
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCtx = rlog.ContextWithLogger(appCtx, logger)

	app, err := NewApp(appCtx, AppOptions{Config: cfg, Logger: logger})
	if err != nil {
		fatal("init failed", err)
	}

	if err := app.Start(appCtx); err != nil {
		shutdown(app, logger)
		fatal("start failed", err)
	}

	feed, err := openFeed(cfg.OpportunitiesPath)
	if err != nil {
		shutdown(app, logger)
		fatal("opening opportunity feed failed", err)
	}
	defer feed.Close()

	feedDone := make(chan error, 1)
	go func() { feedDone <- app.Feed(appCtx, feed) }()

	select {
	case <-appCtx.Done():
	case err := <-app.ServerErrors():
		logger.Error("HTTP server failed", slog.String("error", err.Error()))
	case err := <-feedDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("opportunity feed failed", slog.String("error", err.Error()))
		}
		if cfg.OpportunitiesPath != "-" && cfg.OpportunitiesPath != "" {
			// a finite feed: let queued work and running cycles finish
			logger.Info("feed exhausted, draining")
		} else {
			<-appCtx.Done()
		}
	}

	shutdown(app, logger)
}

func shutdown(app *App, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		logger.Warn("shutdown finished with errors", slog.String("error", err.Error()))
	}
}

func usageError(stderr io.Writer, format string, args ...any) int {
	fmt.Fprintf(stderr, format+"\n", args...)
	return 2
}
