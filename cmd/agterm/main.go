package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/user/agterm/internal/api"
	"github.com/user/agterm/internal/config"
	"github.com/user/agterm/internal/db"
	"github.com/user/agterm/internal/dispatch"
	"github.com/user/agterm/internal/hub"
	"github.com/user/agterm/internal/metrics"
	"github.com/user/agterm/internal/registry"
	"github.com/user/agterm/internal/server"
	"github.com/user/agterm/internal/session"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupLogging uses text for a terminal and JSON otherwise.
func setupLogging(cfg *config.Config) {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if n, err := database.Sessions().MarkOrphaned(ctx, "server restarted"); err != nil {
		slog.Warn("failed to mark orphaned sessions", "error", err)
	} else if n > 0 {
		slog.Info("marked sessions of a previous run as failed", "count", n)
	}

	tools, err := registry.NewRegistry(cfg.ToolsDir)
	if err != nil {
		return err
	}

	m := metrics.New()
	sessions := session.NewManager(session.Options{
		MaxSessions:      cfg.MaxSessions,
		QueueTimeout:     cfg.QueueTimeout,
		Retention:        cfg.Retention,
		GCInterval:       cfg.GCInterval,
		GracePeriod:      cfg.GracePeriod,
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxHistoryBytes:  cfg.MaxHistoryBytes,
		History:          database.Sessions(),
		HistoryRetention: cfg.HistoryRetention,
		Observer:         m,
	})
	d := dispatch.New(sessions, tools, dispatch.Options{
		ExecTimeout: cfg.ExecTimeout,
		History:     database.Sessions(),
		Audit:       database.Commands(),
		Observer:    m,
	})
	h := hub.New(d, hub.Options{
		Token:            cfg.Token,
		DisconnectPolicy: cfg.DisconnectPolicy,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
		Observer:         m,
	})

	srv, err := server.New(cfg.Addr(), h, api.NewRouter(d, cfg.Token), m)
	if err != nil {
		return err
	}

	slog.Info("configuration", "config", cfg)
	fmt.Printf("\nagterm listening on ws://localhost:%d/ws\n", cfg.Port)
	if cfg.PrintToken {
		fmt.Printf("token: %s\n", cfg.Token)
	}
	fmt.Println()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error { return tools.Watch(gctx) })
	g.Go(func() error { return srv.Start(gctx) })
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+2*time.Second)
	defer cancel()
	if shutdownErr := sessions.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Warn("sessions did not drain", "error", shutdownErr)
	}
	return err
}
