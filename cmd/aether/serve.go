package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/aether/internal/agent"
	"github.com/haasonsaas/aether/internal/apps"
	"github.com/haasonsaas/aether/internal/auth"
	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/config"
	"github.com/haasonsaas/aether/internal/daemon"
	"github.com/haasonsaas/aether/internal/gateway"
	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/internal/llm"
	"github.com/haasonsaas/aether/internal/memory"
	"github.com/haasonsaas/aether/internal/metrics"
	"github.com/haasonsaas/aether/internal/proc"
	"github.com/haasonsaas/aether/internal/sandbox"
	"github.com/haasonsaas/aether/internal/sched"
	"github.com/haasonsaas/aether/internal/tools"
	"github.com/haasonsaas/aether/pkg/models"
)

const shutdownTimeout = 30 * time.Second

// serveFlags override file and environment configuration.
type serveFlags struct {
	configPath string
	listenAddr string
	dataDir    string
	provider   string
	apiKey     string
	jwtSecret  string
}

func buildServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Aether kernel",
		Long: `Start the Aether kernel and its websocket gateway.

The kernel will:
1. Load configuration from the given file, AETHER_* environment
   variables, and flags
2. Open the sqlite store under the data directory
3. Provision the sandbox backend (local workspaces or docker)
4. Start the housekeeping daemon (reaper, memory decay, metrics)
5. Serve the websocket gateway, login endpoint, and metrics scrape

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults
  aether serve

  # Start with a config file
  aether serve --config /etc/aether/aether.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&flags.listenAddr, "listen-addr", "", "Gateway listen address")
	cmd.Flags().StringVar(&flags.dataDir, "data-dir", "", "Directory for the sqlite store and workspaces")
	cmd.Flags().StringVar(&flags.provider, "llm-provider", "", "LLM provider (anthropic or openai)")
	cmd.Flags().StringVar(&flags.apiKey, "llm-api-key", "", "LLM provider API key")
	cmd.Flags().StringVar(&flags.jwtSecret, "jwt-secret", "", "Token signing secret")

	return cmd
}

// loadServeConfig resolves file, environment, and flag layers.
func loadServeConfig(flags serveFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.listenAddr != "" {
		cfg.Server.ListenAddr = flags.listenAddr
	}
	if flags.dataDir != "" {
		cfg.Server.DataDir = flags.dataDir
	}
	if flags.provider != "" {
		cfg.LLM.Provider = flags.provider
	}
	if flags.apiKey != "" {
		cfg.LLM.APIKey = flags.apiKey
	}
	if flags.jwtSecret != "" {
		cfg.Auth.JWTSecret = flags.jwtSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// newSandboxFactory provisions the configured backend. A docker backend
// whose daemon is unreachable degrades to local workspaces.
func newSandboxFactory(cfg *config.Config, logger *slog.Logger) (sandbox.Factory, error) {
	if cfg.Sandbox.Backend == "docker" {
		factory, err := sandbox.NewDockerFactory(cfg.Server.DataDir, cfg.Sandbox.Image, logger)
		if err == nil {
			return factory, nil
		}
		if !errors.Is(err, sandbox.ErrUnavailable) {
			return nil, err
		}
		logger.Warn("docker backend unavailable, falling back to local sandboxes", "error", err)
	}
	return sandbox.NewLocalFactory(cfg.Server.DataDir, logger)
}

func runServe(ctx context.Context, flags serveFlags) error {
	cfg, err := loadServeConfig(flags)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := kv.OpenSQLite(filepath.Join(cfg.Server.DataDir, "aether.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	authSvc, err := auth.NewService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry.Std(), nil, logger)
	if err != nil {
		return err
	}
	llms, err := llm.NewSet(llm.Config{
		Provider:   cfg.LLM.Provider,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		CheapModel: cfg.LLM.CheapModel,
	}, logger)
	if err != nil {
		return err
	}
	factory, err := newSandboxFactory(cfg, logger)
	if err != nil {
		return err
	}

	eventBus := bus.New(logger)
	m := metrics.New()
	mem := memory.New(store, eventBus, nil, logger)
	mgr := proc.NewManager(factory, eventBus, nil, logger, proc.Options{
		MaxPerUser:      cfg.Limits.MaxProcessesPerUser,
		MaxGlobal:       cfg.Limits.MaxProcessesGlobal,
		DefaultMaxSteps: cfg.Limits.DefaultMaxSteps,
	})

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.BuiltinDeps{Memory: mem, Agents: mgr}); err != nil {
		return err
	}
	registry.SetObserver(m.ObserveTool)

	loop := agent.New(mgr, registry, llms, mem, eventBus, nil, logger, agent.Options{})
	mgr.SetRunner(loop)

	d := daemon.New(mgr, mem, eventBus, m, nil, logger)
	if err := d.Start(); err != nil {
		return err
	}

	gw := gateway.NewServer(gateway.Deps{
		Auth:      authSvc,
		Scheduler: sched.New(mgr, llms.Model(), llms.CheapModel(), logger),
		Manager:   mgr,
		Memory:    mem,
		Apps:      apps.NewRegistry(store, nil),
		Bus:       eventBus,
		Metrics:   m,
		Logger:    logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("kernel listening", "addr", cfg.Server.ListenAddr, "provider", llms.Provider().Name())
		serveErr <- httpSrv.ListenAndServe()
	}()
	eventBus.Publish(models.TopicKernelReady, map[string]any{"version": version})

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server failed", "error", err)
			d.Stop()
			os.Exit(2)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	d.Stop()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("processes did not stop cleanly", "error", err)
	}
	logger.Info("kernel stopped")
	return nil
}
