package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neill-k/generic-corp-sub004/internal/api"
	"github.com/neill-k/generic-corp-sub004/internal/engine"
	"github.com/neill-k/generic-corp-sub004/internal/logging"
	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "gcorp",
		Short:   "Agent task orchestration server",
		Version: version,
	}
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCheckConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, sweeps and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("GC_CONFIG"), "Path to a YAML or TOML config file")
	return cmd
}

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config <path>",
		Short: "Validate a config file with environment overrides applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d tenant(s), database %s, runtime %s\n",
				len(cfg.Tenants), cfg.Database.Type, cfg.Runtime.Kind)
			return nil
		},
	}
}

func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logs := logging.NewManager(logging.MaxBufferSize)
	logger := logging.New(logs, logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.Options{
		ConfigPath: configPath,
		Logs:       logs,
		Logger:     logger,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Shutdown(context.Background())
		return fmt.Errorf("failed to start engine: %w", err)
	}

	apiCfg := api.Config{
		Tasks:   eng.Tasks(),
		Sweeps:  make(map[string]api.SweepFunc),
		Health:  make(map[string]api.HealthCheck),
		Logs:    logs,
		Relay:   eng.Relay(),
		Metrics: eng.Metrics(),
		Logger:  logging.Component(logger, "api"),
		Version: version,
	}
	if d := eng.Dispatcher(); d != nil {
		apiCfg.Queues = d
	}
	for _, name := range eng.SweepNames() {
		name := name
		apiCfg.Sweeps[name] = func(ctx context.Context) (any, error) { return eng.RunSweep(ctx, name) }
	}
	for name, check := range eng.HealthChecks() {
		apiCfg.Health[name] = check
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      api.NewServer(apiCfg).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	if serr := eng.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("engine shutdown", "error", serr)
	}
	return err
}
