package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/crewbridge/dispatcher/internal/agent"
	"github.com/crewbridge/dispatcher/internal/agent/providers"
	"github.com/crewbridge/dispatcher/internal/config"
	"github.com/crewbridge/dispatcher/internal/crew"
	"github.com/crewbridge/dispatcher/internal/dispatch"
	"github.com/crewbridge/dispatcher/internal/extractor"
	"github.com/crewbridge/dispatcher/internal/fields"
	"github.com/crewbridge/dispatcher/internal/models"
	"github.com/crewbridge/dispatcher/internal/observability"
	"github.com/crewbridge/dispatcher/internal/sessions"
)

func buildServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr from the config file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	shutdownTracing, err := observability.Configure(ctx, observability.TraceConfig{
		ServiceName:    "crewbridge-dispatcher",
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("configure tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer provider shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pool := sessions.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	if d, err := time.ParseDuration(cfg.Database.ConnMaxLifetime); err == nil && d > 0 {
		pool.ConnMaxLifetime = d
	}
	store, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, pool)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	anthropicProvider, openaiProvider, googleProvider, bedrockProvider, azureProvider, ollamaProvider, openrouterProvider, copilotProxyProvider := buildProviders(cfg, logger)

	catalog := models.NewCatalog()
	if cfg.Providers.Bedrock.DiscoverModels {
		discovery := models.NewBedrockDiscovery(models.BedrockDiscoveryConfig{
			Enabled:         true,
			Region:          cfg.Providers.Bedrock.Region,
			RefreshInterval: cfg.Providers.Bedrock.DiscoveryRefresh,
			ProviderFilter:  cfg.Providers.Bedrock.DiscoveryProviderFilter,
		}, logger)
		if err := discovery.RegisterWithCatalog(ctx, catalog); err != nil {
			logger.Warn("bedrock model discovery failed, continuing with the built-in catalog", slog.Any("error", err))
		}
	}

	conversations := dispatch.NewSessionConversationStore(store)
	fieldsStore := fields.NewPostgresStore(db)
	fieldsCache := fields.New(fieldsStore, logger)
	promptStore := dispatch.NewPostgresPromptStore(db)
	registry := crew.NewRegistry(cfg.Crew.BaseDir, crew.WithDB(db), crew.WithLogger(logger))
	resolver := dispatch.NewDefaultPrefixProviderResolver(
		anthropicProvider, openaiProvider, googleProvider, bedrockProvider,
		azureProvider, ollamaProvider, openrouterProvider, copilotProxyProvider,
		catalog,
	)

	extractionProvider := anthropicProvider
	if extractionProvider == nil {
		extractionProvider = openaiProvider
	}
	extract := extractor.New(extractionProvider, logger)

	dispatcher := dispatch.New(
		registry,
		fieldsCache,
		extract,
		resolver,
		conversations,
		dispatch.WithPromptStore(promptStore),
		dispatch.WithLogger(logger),
	)

	handler := dispatch.NewHandler(dispatcher, logger)

	mux := http.NewServeMux()
	mux.Handle("/dispatch", handler)

	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	logger.Info("dispatcher: listening", slog.String("addr", cfg.Server.Addr))

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// buildProviders constructs one agent.LLMProvider per configured provider
// with credentials present. A provider left unconfigured stays nil, and
// dispatch.PrefixProviderResolver treats its model-name prefixes as
// unresolvable.
func buildProviders(cfg *config.Config, logger *slog.Logger) (anthropicP, openaiP, googleP, bedrockP, azureP, ollamaP, openrouterP, copilotProxyP agent.LLMProvider) {
	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: cfg.Providers.Anthropic.APIKey})
		if err != nil {
			logger.Warn("dispatcher: failed to construct anthropic provider", slog.Any("error", err))
		} else {
			anthropicP = p
		}
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		openaiP = providers.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Providers.Google.APIKey != "" {
		p, err := providers.NewGoogleProvider(providers.GoogleConfig{APIKey: cfg.Providers.Google.APIKey})
		if err != nil {
			logger.Warn("dispatcher: failed to construct google provider", slog.Any("error", err))
		} else {
			googleP = p
		}
	}
	if cfg.Providers.Bedrock.Region != "" {
		p, err := providers.NewBedrockProvider(providers.BedrockConfig{
			Region:          cfg.Providers.Bedrock.Region,
			AccessKeyID:     cfg.Providers.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Providers.Bedrock.SecretAccessKey,
		})
		if err != nil {
			logger.Warn("dispatcher: failed to construct bedrock provider", slog.Any("error", err))
		} else {
			bedrockP = p
		}
	}
	if cfg.Providers.Azure.Endpoint != "" {
		p, err := providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     cfg.Providers.Azure.Endpoint,
			APIKey:       cfg.Providers.Azure.APIKey,
			APIVersion:   cfg.Providers.Azure.APIVersion,
			DefaultModel: cfg.Providers.Azure.DefaultModel,
			MaxRetries:   cfg.Providers.Azure.MaxRetries,
		})
		if err != nil {
			logger.Warn("dispatcher: failed to construct azure provider", slog.Any("error", err))
		} else {
			azureP = p
		}
	}
	if cfg.Providers.Ollama.Enabled {
		ollamaP = providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      cfg.Providers.Ollama.BaseURL,
			DefaultModel: cfg.Providers.Ollama.DefaultModel,
			Timeout:      cfg.Providers.Ollama.Timeout,
		})
	}
	if cfg.Providers.OpenRouter.APIKey != "" {
		p, err := providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       cfg.Providers.OpenRouter.APIKey,
			DefaultModel: cfg.Providers.OpenRouter.DefaultModel,
			AppName:      cfg.Providers.OpenRouter.AppName,
		})
		if err != nil {
			logger.Warn("dispatcher: failed to construct openrouter provider", slog.Any("error", err))
		} else {
			openrouterP = p
		}
	}
	if cfg.Providers.CopilotProxy.Enabled {
		p, err := providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{
			BaseURL:              cfg.Providers.CopilotProxy.BaseURL,
			Models:               cfg.Providers.CopilotProxy.Models,
			DefaultContextWindow: cfg.Providers.CopilotProxy.DefaultContextWindow,
		})
		if err != nil {
			logger.Warn("dispatcher: failed to construct copilot-proxy provider", slog.Any("error", err))
		} else {
			copilotProxyP = p
		}
	}
	return
}
