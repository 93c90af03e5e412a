package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/gw2am"
	"github.com/loykin/gw2am/internal/config"
	"github.com/loykin/gw2am/internal/logger"
	"github.com/loykin/gw2am/internal/server"
)

func createServeCommand(g *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the gw2am daemon",
		Long: `Start the daemon that owns the account store and the game clients and
serves the HTTP API the other commands use.

Examples:
  gw2am serve                       # defaults plus GW2AM_* environment
  gw2am serve gw2am.toml
  gw2am serve gw2am.toml --daemonize --pidfile /run/gw2am.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(path, *f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(configPath string, f ServeFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}

	log, closer := logger.New(cfg.Log, os.Stderr)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	m, err := gw2am.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	var srv *http.Server
	if cfg.Server.Enabled {
		srv = server.NewServer(cfg.Server.Listen, m.Router())
		slog.Info("gw2am daemon listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath)
	} else {
		slog.Info("gw2am daemon running without HTTP API")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}
	return nil
}
