package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/localflowhq/localflow/internal/approval"
	"github.com/localflowhq/localflow/internal/chat"
	"github.com/localflowhq/localflow/internal/config"
	"github.com/localflowhq/localflow/internal/execution"
	"github.com/localflowhq/localflow/internal/llm"
	"github.com/localflowhq/localflow/internal/prompts"
	"github.com/localflowhq/localflow/internal/rag"
	"github.com/localflowhq/localflow/internal/storage"
	"github.com/localflowhq/localflow/internal/tools"
	"github.com/localflowhq/localflow/internal/web"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the LocalFlow HTTP server",
		Long: `Start the LocalFlow server: the chat pipeline, draft approval,
tool execution and the permissioned retrieval index, all served under /v1.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults (sqlite://localflow.db, 127.0.0.1:8080)
  localflow serve

  # Start with a config file
  localflow serve --config /etc/localflow/localflow.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// unavailableProvider stands in when no LLM backend is configured; chat
// turns surface the condition as an upstream failure instead of crashing.
type unavailableProvider struct{}

func (unavailableProvider) GenerateDraft(ctx context.Context, userMessage string, history []llm.Message) (*llm.DraftResponse, error) {
	return nil, errors.New("no llm provider configured")
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	stores, err := storage.OpenSQLite(settings.SQLitePath())
	if err != nil {
		return err
	}
	defer stores.Close()

	pack, err := prompts.Load(settings.PromptPackDir, logger)
	if err != nil {
		return err
	}
	if err := pack.Watch(); err != nil {
		logger.Warn("prompt pack watch disabled", "error", err)
	}
	defer pack.Close()

	provider, hasProvider := buildProvider(ctx, settings, pack, logger)

	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewOpenLinks())
	registry.MustRegister(tools.NewSearchWeb())
	registry.MustRegister(tools.NewBrowserSearch())
	registry.MustRegister(tools.NewBrowserAutomation())

	ragSvc, err := rag.NewService(rag.Config{
		StoreDir:     settings.RAGStoreDir,
		ChunkSize:    settings.RAGChunkSize,
		ChunkOverlap: settings.RAGChunkOverlap,
		EmbeddingDim: settings.RAGEmbeddingDim,
	}, logger)
	if err != nil {
		return err
	}
	defer ragSvc.Close()
	if settings.RAGReindexCron != "" {
		if err := ragSvc.ScheduleReindex(settings.RAGReindexCron); err != nil {
			logger.Warn("reindex schedule rejected", "cron", settings.RAGReindexCron, "error", err)
		}
	}

	server := web.NewServer(web.Deps{
		Settings:    &settings,
		Stores:      stores,
		Chat:        chat.NewService(stores, provider, ragSvc, logger),
		Approvals:   approval.NewService(stores),
		Executions:  execution.NewService(stores, registry, 4, logger),
		RAG:         ragSvc,
		HasProvider: hasProvider,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildProvider selects the LLM backend from settings. A misconfigured
// backend degrades to an unavailable provider rather than failing startup,
// matching the health endpoint's has_llm_provider flag.
func buildProvider(ctx context.Context, settings config.Settings, pack *prompts.Pack, logger *slog.Logger) (llm.Provider, bool) {
	switch settings.LLMProvider {
	case "ollama":
		return llm.NewOllama(llm.OllamaConfig{
			BaseURL:           settings.OllamaBaseURL,
			Model:             settings.OllamaModel,
			Timeout:           time.Duration(settings.LLMTimeoutS) * time.Second,
			MaxRepairAttempts: settings.MaxRepairAttempts,
		}, pack, logger), true
	case "gemini":
		engine, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:            settings.GeminiAPIKey,
			Model:             settings.GeminiModel,
			MaxRepairAttempts: settings.MaxRepairAttempts,
		}, pack, logger)
		if err != nil {
			logger.Warn("gemini provider unavailable", "error", err)
			return unavailableProvider{}, false
		}
		return engine, true
	default:
		logger.Warn("unknown llm provider", "provider", settings.LLMProvider)
		return unavailableProvider{}, false
	}
}
