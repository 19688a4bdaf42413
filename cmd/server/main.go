package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/me/pipekit/internal/config"
	"github.com/me/pipekit/internal/datastore"
	"github.com/me/pipekit/internal/logging"
	"github.com/me/pipekit/internal/orchestrator"
	"github.com/me/pipekit/internal/server"
	"github.com/me/pipekit/internal/store"
	"github.com/me/pipekit/internal/version"
)

func main() {
	if err := newServerCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServerCmd() *cobra.Command {
	var (
		configFile string
		debug      bool
		flags      config.ServerConfig
	)

	cmd := &cobra.Command{
		Use:   "pipekit-server",
		Short: "pipekit backend: accepts pipeline submissions and runs them locally",
		Long: `pipekit-server records submitted runs, drafts and published pipelines in
SQLite and executes runs with the local orchestrator.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configFile)
			if err != nil {
				return err
			}
			fs := cmd.Flags()
			if fs.Changed("addr") {
				cfg.Addr = flags.Addr
			}
			if fs.Changed("db") {
				cfg.DBPath = flags.DBPath
			}
			if fs.Changed("log-level") {
				cfg.LogLevel = flags.LogLevel
			}
			if fs.Changed("log-format") {
				cfg.LogFormat = flags.LogFormat
			}
			if fs.Changed("workdir") {
				cfg.Local.WorkDir = flags.Local.WorkDir
			}
			if fs.Changed("max-workers") {
				cfg.Local.MaxWorkers = flags.Local.MaxWorkers
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			return serve(cmd.Context(), cfg)
		},
	}

	def := config.DefaultServerConfig()
	fs := cmd.Flags()
	fs.StringVar(&configFile, "config", "", "Server config file (YAML)")
	fs.StringVar(&flags.Addr, "addr", def.Addr, "Listen address")
	fs.StringVar(&flags.DBPath, "db", def.DBPath, "Database path")
	fs.StringVar(&flags.LogLevel, "log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&flags.LogFormat, "log-format", def.LogFormat, "Log format (text, json)")
	fs.StringVar(&flags.Local.WorkDir, "workdir", def.Local.WorkDir, fmt.Sprintf("Run working directories (or %s env)", config.EnvWorkDir))
	fs.IntVar(&flags.Local.MaxWorkers, "max-workers", def.Local.MaxWorkers, "Maximum number of steps running at once")
	fs.BoolVar(&debug, "debug", false, "Shorthand for --log-level=debug")
	return cmd
}

func serve(parent context.Context, cfg config.ServerConfig) error {
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	logging.SetDefault(logger)

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(parent); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch := orchestrator.New(cfg.Local.Orchestrator(), logger,
		orchestrator.WithMetrics(orchestrator.NewMetrics(reg)),
		orchestrator.WithFetcher(datastore.NewResolver(cfg.Datastores, logger)),
		orchestrator.WithLogUploader(st),
	)
	srv := server.New(cfg, st, orch, logger, server.WithRegistry(reg))
	if err := srv.Recover(parent); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "version", version.Get().Version, "workdir", cfg.Local.WorkDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
