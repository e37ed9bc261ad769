package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hearth-ai/hearth/internal/agent"
	llm "github.com/hearth-ai/hearth/internal/agent/providers"
	"github.com/hearth-ai/hearth/internal/config"
	"github.com/hearth-ai/hearth/internal/cron"
	"github.com/hearth-ai/hearth/internal/gateway"
	"github.com/hearth-ai/hearth/internal/observability"
	"github.com/hearth-ai/hearth/internal/outbound"
	"github.com/hearth-ai/hearth/internal/routing"
	"github.com/hearth-ai/hearth/internal/sessions"
	"github.com/hearth-ai/hearth/internal/tools/clock"
	"github.com/hearth-ai/hearth/internal/tools/exec"
	"github.com/hearth-ai/hearth/internal/tools/memory"
	"github.com/hearth-ai/hearth/internal/tools/sessionctl"
	"github.com/hearth-ai/hearth/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Hearth gateway server",
		Long: `Start the gateway: load configuration, open the session store,
initialize providers and tools, and listen for protocol connections.
Graceful shutdown on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "hearth.yaml", "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(parent context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	bus := sessions.NewEventBus()
	store, closeStore, err := openStore(cfg, bus)
	if err != nil {
		return err
	}
	defer closeStore()

	router, err := routing.NewRouter(cfg.Agents.Default, cfg.Agents.Bindings)
	if err != nil {
		return err
	}

	gate := agent.NewApprovalGate(&agent.ApprovalPolicy{
		Allowlist:   cfg.Approval.Allowlist,
		Denylist:    cfg.Approval.Denylist,
		AutoApprove: cfg.Approval.AutoApprove,
		AutoDeny:    cfg.Approval.AutoDeny,
		Timeout:     cfg.Approval.Timeout(),
	})

	registry := buildRegistry(cfg, store)

	providerMap, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	loopConfig := agent.DefaultLoopConfig()
	loopConfig.HistoryLimit = cfg.Session.HistoryLimit

	metrics := observability.NewMetrics(nil)
	dispatcher := outbound.NewDispatcher(logger)
	dispatcher.Register(&logSink{logger: logger})

	server, err := gateway.NewServer(gateway.Options{
		Logger:          logger,
		Store:           store,
		Bus:             bus,
		Router:          router,
		Registry:        registry,
		Gate:            gate,
		Providers:       providerMap,
		DefaultProvider: cfg.LLM.DefaultProvider,
		LoopConfig:      loopConfig,
		Metrics:         metrics,
		Outbound:        dispatcher,
		Version:         version,
	})
	if err != nil {
		return err
	}

	scheduler := cron.NewScheduler(logger, cronRunner(router, store, gate, registry, providerMap, cfg.LLM.DefaultProvider, loopConfig, dispatcher))
	if err := scheduler.AddJobs(cfg.Cron.Jobs); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", "addr", httpServer.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	scheduler.Start()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	dispatcher.Wait()
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(cfg *config.Config, bus *sessions.EventBus) (sessions.Store, func(), error) {
	switch cfg.Session.Backend {
	case "memory":
		return sessions.NewMemoryStore(bus), func() {}, nil
	default:
		store, err := sessions.NewSQLiteStore(cfg.Session.Path, bus)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func buildRegistry(cfg *config.Config, store sessions.Store) *agent.ToolRegistry {
	registry := agent.NewToolRegistry()

	registry.Register(sessionctl.NewListTool(store))
	registry.Register(sessionctl.NewLabelTool(store))
	registry.Register(sessionctl.NewResetTool(store))
	if cfg.Tools.Exec.Enabled {
		registry.Register(exec.New(cfg.Tools.Exec.WorkspaceRoot))
	}
	if cfg.Tools.Clock.Enabled {
		registry.Register(clock.New())
	}
	if cfg.Tools.Memory.Enabled {
		registry.Register(memory.New(memory.NewInMemoryService()))
	}
	return registry
}

// buildProviders constructs one client per configured provider. Any name
// other than "anthropic" is treated as OpenAI-compatible with its own
// base URL. When several providers exist, the default becomes a fallback
// chain with the rest behind it.
func buildProviders(cfg *config.Config) (map[string]agent.LLMProvider, error) {
	providerMap := make(map[string]agent.LLMProvider, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		var (
			provider agent.LLMProvider
			err      error
		)
		if name == "anthropic" {
			provider, err = llm.NewAnthropicProvider(llm.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
		} else {
			provider, err = llm.NewOpenAIProvider(llm.OpenAIConfig{
				Name:         name,
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
				Strict:       pc.Strict,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		providerMap[name] = provider
	}

	if len(providerMap) > 1 {
		primary, ok := providerMap[cfg.LLM.DefaultProvider]
		if !ok {
			return nil, fmt.Errorf("default provider %q is not configured", cfg.LLM.DefaultProvider)
		}
		chain := agent.NewFallbackChain(primary, nil)
		names := make([]string, 0, len(providerMap))
		for name := range providerMap {
			if name != cfg.LLM.DefaultProvider {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			chain.AddProvider(providerMap[name])
		}
		providerMap[cfg.LLM.DefaultProvider] = chain
	}
	return providerMap, nil
}

// cronRunner routes a fired job through the binding cascade and runs a
// full agent turn, delivering the final text to the outbound sinks.
func cronRunner(
	router *routing.Router,
	store sessions.Store,
	gate *agent.ApprovalGate,
	registry *agent.ToolRegistry,
	providerMap map[string]agent.LLMProvider,
	defaultProvider string,
	loopConfig *agent.LoopConfig,
	dispatcher *outbound.Dispatcher,
) cron.Runner {
	return func(ctx context.Context, job config.CronJob) error {
		resolution := router.Resolve(job.Binding)
		key := resolution.SessionKey
		if job.SessionKey != "" {
			key = job.SessionKey
		}

		providerName := resolution.Agent.Provider
		if providerName == "" {
			providerName = defaultProvider
		}
		provider, ok := providerMap[providerName]
		if !ok {
			return fmt.Errorf("no provider %q for cron job %q", providerName, job.Name)
		}
		if _, err := store.GetOrCreate(ctx, key, resolution.Agent.ID); err != nil {
			return err
		}

		loop := agent.NewLoop(resolution.Agent.ID, provider, registry, gate, store, loopConfig)
		loop.SetSystemPrompt(resolution.Agent.SystemPrompt)
		if resolution.Agent.Model != "" {
			loop.SetModel(resolution.Agent.Model)
		}

		msg := &models.Message{
			ID:         uuid.NewString(),
			SessionKey: key,
			Direction:  models.DirectionInbound,
			Role:       models.RoleUser,
			Content:    job.Text,
			Metadata:   map[string]any{"cron_job": job.Name},
			CreatedAt:  time.Now(),
		}
		events, err := loop.Run(ctx, key, msg)
		if err != nil {
			return err
		}

		var finalText string
		var turnErr error
		for ev := range events {
			switch ev.State {
			case agent.StateFinal:
				finalText = ev.Text
			case agent.StateError:
				turnErr = ev.Err
			}
		}
		if turnErr != nil {
			return turnErr
		}
		if finalText != "" {
			dispatcher.Dispatch(outbound.Delivery{
				SessionKey: key,
				AgentID:    resolution.Agent.ID,
				Text:       finalText,
			})
		}
		return nil
	}
}

// logSink writes final replies to the log so headless turns (cron jobs,
// disconnected clients) remain observable.
type logSink struct {
	logger *slog.Logger
}

func (s *logSink) Name() string { return "log" }

func (s *logSink) Deliver(_ context.Context, d outbound.Delivery) error {
	s.logger.Info("assistant reply",
		"session_key", d.SessionKey,
		"agent_id", d.AgentID,
		"chars", len(d.Text))
	return nil
}
