package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"campus/config"
	"campus/db"
	"campus/server"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "campusd",
		Short:        "Campus messaging server",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve()
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and socket gateway",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return serve()
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print live connection statistics of a running server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				reply, err := sendControl(controlSocketPath(), "stats")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			},
		},
		&cobra.Command{
			Use:   "shutdown [reason] [completion-time]",
			Short: "Ask a running server to say bye to every client and exit",
			Example: `  campusd shutdown
  campusd shutdown restart
  campusd shutdown maintenance 2026-01-02T03:00:00Z`,
			Args: cobra.MaximumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 2 {
					if _, err := time.Parse(time.RFC3339, args[1]); err != nil {
						return fmt.Errorf("completion time must be RFC 3339: %w", err)
					}
				}
				reply, err := sendControl(controlSocketPath(), "shutdown", args...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			},
		},
	)
	return cmd
}

func controlSocketPath() string {
	if path := os.Getenv("CAMPUS_CONTROL_SOCKET"); path != "" {
		return path
	}
	return "/tmp/campus.sock"
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer database.Close()

	srv, err := server.Build(database, server.Options{
		Server: server.Config{
			Port:             cfg.Port,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			HandshakeTimeout: cfg.HandshakeTimeout,
			SendBuffer:       cfg.SendBuffer,
			SweepInterval:    cfg.SweepInterval,
		},
		SessionSecret:  cfg.SessionSecret,
		SessionTTL:     cfg.SessionTTL,
		SessionSliding: cfg.SessionSliding,
		CookieName:     cfg.CookieName,
		CookieHashKey:  cfg.HashKey(),
		CookieSecure:   cfg.CookieSecure,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var (
		stopped  = make(chan struct{})
		stopOnce sync.Once
	)
	stop := func(reason string, completion time.Time) {
		stopOnce.Do(func() {
			srv.Shutdown(reason, completion)
			close(stopped)
		})
	}

	ctl, err := startControlSocket(cfg.ControlSocket, srv, stop, logger)
	if err != nil {
		logger.Warn("control socket unavailable", "path", cfg.ControlSocket, "error", err)
	} else {
		defer ctl.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig.String())
			stop("maintenance", time.Time{})
		case <-stopped:
		}
	}()

	if err := srv.Start(); err != nil {
		return err
	}
	<-stopped
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
