// Package main is the entry point for the dispatch service: a
// classifier-driven orchestrator that routes user requests to local LLM
// specialist pipelines over Ollama, with per-session memory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
	"github.com/spf13/cobra"

	"github.com/normanking/dispatch/internal/bus"
	"github.com/normanking/dispatch/internal/config"
	"github.com/normanking/dispatch/internal/llm"
	"github.com/normanking/dispatch/internal/logging"
	"github.com/normanking/dispatch/internal/memory"
	"github.com/normanking/dispatch/internal/metrics"
	"github.com/normanking/dispatch/internal/models"
	"github.com/normanking/dispatch/internal/orchestrator"
	"github.com/normanking/dispatch/internal/pipeline"
	"github.com/normanking/dispatch/internal/router"
	"github.com/normanking/dispatch/internal/server"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "dispatch - classifier-driven request orchestrator for local LLMs",
		Long: `dispatch routes user requests to specialist model pipelines over Ollama:
  code, vision, analysis, search, email, or plain conversation.

Each request is classified (keyword fast path, small-model slow path),
executed by its specialist with automatic tier escalation, and the
exchange is persisted to per-session SQLite memory.

Run the service:   dispatch serve
One-shot request:  dispatch ask "write a python quicksort"
Installed models:  dispatch models`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.dispatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatch v%s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// service holds everything a running dispatch instance is wired from.
type service struct {
	cfg       *config.Config
	provider  *llm.OllamaProvider
	registry  *models.Registry
	router    *router.Router
	store     *memory.Store
	events    *bus.Bus
	collector *metrics.Collector
	orch      *orchestrator.Orchestrator
	cleanup   func()
}

// buildService wires the full dependency graph from configuration.
func buildService() (*service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	closeLogs, err := logging.Setup(logging.Options{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		closeLogs()
		return nil, fmt.Errorf("create data directories: %w", err)
	}

	var cache *llm.ResponseCache
	if cfg.Cache.Enabled {
		cache = llm.NewResponseCache(cfg.Cache.MaxEntries, cfg.Cache.TTL, cfg.Cache.MaxTemperature)
	}

	provider := llm.NewOllamaProvider(
		&llm.ProviderConfig{Endpoint: cfg.Ollama.Endpoint},
		llm.WithCache(cache),
	)

	registry := models.NewRegistry(cfg.Pipelines, cfg.Router.Model)
	if installed, err := provider.ListModels(context.Background()); err == nil {
		infos := make([]models.ModelInfo, 0, len(installed))
		for _, m := range installed {
			infos = append(infos, models.ModelInfo{Name: m.Name, Size: m.Size})
		}
		registry.SetInstalled(infos)
		registry.LogMissing()
	}

	db, err := memory.Open(cfg.Memory.DBPath)
	if err != nil {
		closeLogs()
		return nil, fmt.Errorf("open session database: %w", err)
	}
	store, err := memory.NewStore(db, memory.Config{MaxTurns: cfg.Memory.MaxTurns})
	if err != nil {
		db.Close()
		closeLogs()
		return nil, fmt.Errorf("init session store: %w", err)
	}

	events := bus.NewBus()
	collector := metrics.NewCollector(events)
	collector.Start()

	rt := router.New(registry,
		router.WithFastPathThreshold(cfg.Router.FastPathThreshold),
		router.WithSlowClassifier(router.NewSlowClassifier(provider, cfg.Router.Model, cfg.Router.Timeout)),
	)

	pipelines := pipeline.NewRegistry(pipeline.Deps{
		Provider:     provider,
		Registry:     registry,
		Bus:          events,
		ContextTurns: cfg.Memory.ContextTurns,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Router:    rt,
		Pipelines: pipelines,
		Store:     store,
		Bus:       events,
		Config:    cfg.Dispatch,
	})

	return &service{
		cfg:       cfg,
		provider:  provider,
		registry:  registry,
		router:    rt,
		store:     store,
		events:    events,
		collector: collector,
		orch:      orch,
		cleanup: func() {
			collector.Stop()
			events.Close()
			store.Close()
			closeLogs()
		},
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if svc.cfg.Ollama.WarmupOnStart {
		svc.provider.WarmupAsync(ctx, svc.registry.PrimaryModels())
	}

	svc.store.StartEviction(ctx, svc.cfg.Memory.EvictionInterval, svc.cfg.Memory.SessionTTL, func(count int) {
		event := bus.NewEvent(bus.EventSessionsEvicted)
		event.Count = int64(count)
		svc.events.Publish(event)
	})

	srv := server.New(svc.cfg.Server, server.Deps{
		Orchestrator: svc.orch,
		Router:       svc.router,
		Collector:    svc.collector,
		Store:        svc.store,
		Bus:          svc.events,
		Provider:     svc.provider,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func askCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask [text]",
		Short: "Dispatch a one-shot request from the command line",
		Long: `Dispatch a single request and print the reply.

Examples:
  dispatch ask "write a python quicksort"
  dispatch ask --session work "and now add type hints"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")

			svc, err := buildService()
			if err != nil {
				return err
			}
			defer svc.cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			reply, err := svc.orch.Submit(ctx, sessionID, text, nil)
			if err != nil {
				return fmt.Errorf("dispatch failed: %w", err)
			}

			fmt.Println(reply.Text)
			if verbose {
				fmt.Fprintf(os.Stderr, "\n[%s/%s via %s in %s]\n",
					reply.Category, reply.Priority, reply.ModelUsed, reply.Latency.Round(time.Millisecond))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "cli", "session id for conversation continuity")
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models installed on the Ollama backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			installed, err := llm.FetchOllamaModels(cfg.Ollama.Endpoint)
			if err != nil {
				return fmt.Errorf("backend unreachable at %s: %w", cfg.Ollama.Endpoint, err)
			}

			if len(installed) == 0 {
				fmt.Println("No models installed. Pull one with: ollama pull llama3.2:3b")
				return nil
			}

			fmt.Printf("Models on %s:\n", cfg.Ollama.Endpoint)
			for _, m := range installed {
				fmt.Printf("  %-30s %6.1f GB\n", m.Name, float64(m.Size)/(1024*1024*1024))
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("Dispatch Configuration:")
			fmt.Println("───────────────────────")
			fmt.Printf("Server:          %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("Ollama Endpoint: %s\n", cfg.Ollama.Endpoint)
			fmt.Printf("Router Model:    %s\n", cfg.Router.Model)
			fmt.Printf("Session DB:      %s\n", cfg.Memory.DBPath)
			fmt.Printf("Max Turns:       %d\n", cfg.Memory.MaxTurns)
			fmt.Printf("Normal Budget:   %s\n", cfg.Dispatch.NormalBudget)
			fmt.Printf("Urgent Budget:   %s\n", cfg.Dispatch.UrgentBudget)
			fmt.Printf("Log Level:       %s\n", cfg.Logging.Level)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			path := cfgPath
			var err error
			if path == "" {
				err = cfg.Save()
				path, _ = config.DefaultPath()
			} else {
				err = cfg.SaveToPath(path)
			}
			if err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			path, _ := config.DefaultPath()
			fmt.Println(path)
		},
	})

	return cmd
}
