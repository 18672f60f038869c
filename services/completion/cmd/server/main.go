package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"

	"github.com/instantcocoa/kos/pkg/cache"
	"github.com/instantcocoa/kos/pkg/config"
	"github.com/instantcocoa/kos/pkg/database"
	"github.com/instantcocoa/kos/pkg/httpapi"
	"github.com/instantcocoa/kos/pkg/telemetry"
	"github.com/instantcocoa/kos/services/completion"
)

const serviceName = "completion"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup telemetry
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:     serviceName,
		ServiceVersion:  cfg.Version,
		Environment:     cfg.Environment,
		OTLPEndpoint:    cfg.OTLPEndpoint,
		TracingEnabled:  cfg.TracingEnabled,
		TracingSampling: cfg.TracingSampling,
		LogLevel:        cfg.LogLevel,
		LogFormat:       cfg.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tp.Shutdown(ctx)

	logger := tp.Logger()

	// Initialize database connection if using postgres
	var db *database.DB
	if cfg.UsePostgresStorage() {
		dbCfg := database.DefaultConfig()
		dbCfg.Host = cfg.DBHost
		dbCfg.Port = cfg.DBPort
		dbCfg.User = cfg.DBUser
		dbCfg.Password = cfg.DBPassword
		dbCfg.Database = cfg.DBName
		dbCfg.SSLMode = cfg.DBSSLMode

		db, err = database.Connect(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		db.WithLogger(logger)
		logger.Info("connected to postgres database")

		// Apply usage ledger migrations
		migrator := database.NewMigrator(db, serviceName).WithLogger(logger)
		fsys, dir := completion.Migrations()
		if err := migrator.LoadMigrations(fsys, dir); err != nil {
			return fmt.Errorf("failed to load migrations: %w", err)
		}
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	// Initialize usage store
	storeOpts := completion.StoreOptions{Backend: cfg.StorageBackend}
	if db != nil {
		storeOpts.DB = db.DB
	}
	store, err := completion.NewStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	logger.Info("initialized storage backend", "backend", cfg.StorageBackend)

	// The guard replays the ledger so budget ceilings survive restarts
	guard, err := completion.NewBudgetGuard(ctx, cfg.MonthlyBudgetUSD, cfg.DailyBudgetUSD, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create budget guard: %w", err)
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	svc := completion.NewService(completion.ServiceOptions{
		Registry:   registry,
		Guard:      guard,
		Cache:      completion.NewResponseCache(cfg.CacheMaxEntries, cfg.CacheTTL, cfg.CacheSimilarityThreshold),
		Validator:  completion.NewSafetyValidator(logger),
		Normalizer: completion.NewNormalizer(logger),
		Retry: completion.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		S3: completion.S3ExportConfig{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		},
		Tracer: tp.Tracer(serviceName),
		Logger: logger,
	})

	// Optional redis-backed rate limiting on the completion endpoint
	var completeMiddleware []echo.MiddlewareFunc
	if cfg.RedisEnabled() && cfg.RateLimitPerMinute > 0 {
		redisCfg := cache.DefaultConfig()
		redisCfg.Addr = cfg.RedisAddr
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB

		redisClient, err := cache.Connect(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		redisClient.WithLogger(logger)

		limiter := cache.NewRateLimiter(redisClient, "ratelimit:complete", cfg.RateLimitPerMinute, 60)
		completeMiddleware = append(completeMiddleware, httpapi.RateLimit(limiter, logger))
		logger.Info("rate limiting enabled", "per_minute", cfg.RateLimitPerMinute)
	}

	// Create HTTP server
	serverCfg := httpapi.DefaultServerConfig(cfg.HTTPPort, serviceName)
	serverCfg.Host = cfg.HTTPHost
	server := httpapi.NewServer(serverCfg, logger)

	// Register service handlers
	handler := completion.NewHandler(svc, cfg.Version, logger)
	handler.Register(server.Echo(), completeMiddleware...)

	logger.Info("starting completion service",
		"port", cfg.HTTPPort,
		"env", cfg.Environment,
		"backends", len(registry.List()),
	)

	// Run server (blocks until shutdown)
	return server.Run(ctx)
}

// buildRegistry registers every backend whose credentials are present in the
// environment, applying overrides from the optional backends file.
func buildRegistry(cfg *config.Base, logger *slog.Logger) (*completion.Registry, error) {
	overrides := map[string]completion.BackendOverride{}
	if cfg.BackendsFile != "" {
		loaded, err := completion.LoadBackendOverrides(cfg.BackendsFile)
		if err != nil {
			return nil, err
		}
		overrides = loaded
		logger.Info("loaded backend overrides", "path", cfg.BackendsFile, "entries", len(loaded))
	}
	apply := func(bcfg completion.BackendConfig) completion.BackendConfig {
		if o, ok := overrides[bcfg.ID]; ok {
			return o.Apply(bcfg)
		}
		return bcfg
	}

	registry := completion.NewRegistry()

	// Register OpenAI backend
	openAIKey := os.Getenv("KOS_COMPLETION_OPENAI_KEY")
	if openAIKey != "" {
		bcfg := apply(completion.DefaultOpenAIConfig())
		registry.Register(completion.NewOpenAIBackend(bcfg, openAIKey), bcfg)
		logger.Info("registered OpenAI backend")
	}

	// Register Anthropic backend
	anthropicKey := os.Getenv("KOS_COMPLETION_ANTHROPIC_KEY")
	if anthropicKey != "" {
		bcfg := apply(completion.DefaultAnthropicConfig())
		registry.Register(completion.NewAnthropicBackend(bcfg, anthropicKey), bcfg)
		logger.Info("registered Anthropic backend")
	}

	// Register Azure OpenAI backend
	azureKey := os.Getenv("KOS_COMPLETION_AZURE_OPENAI_KEY")
	azureEndpoint := os.Getenv("KOS_COMPLETION_AZURE_OPENAI_ENDPOINT")
	if azureKey != "" && azureEndpoint != "" {
		deployment := os.Getenv("KOS_COMPLETION_AZURE_OPENAI_DEPLOYMENT")
		apiVersion := os.Getenv("KOS_COMPLETION_AZURE_OPENAI_API_VERSION")
		bcfg := apply(completion.DefaultAzureOpenAIConfig())
		registry.Register(completion.NewAzureOpenAIBackend(bcfg, azureKey, azureEndpoint, deployment, apiVersion), bcfg)
		logger.Info("registered Azure OpenAI backend", "endpoint", azureEndpoint)
	}

	// Register Gemini backend
	geminiKey := os.Getenv("KOS_COMPLETION_GEMINI_KEY")
	if geminiKey != "" {
		bcfg := apply(completion.DefaultGeminiConfig())
		registry.Register(completion.NewGeminiBackend(bcfg, geminiKey), bcfg)
		logger.Info("registered Gemini backend")
	}

	// Register Ollama backend (local)
	ollamaURL := os.Getenv("KOS_COMPLETION_OLLAMA_URL")
	ollamaEnabled := os.Getenv("KOS_COMPLETION_OLLAMA_ENABLED")
	if ollamaEnabled == "true" || ollamaURL != "" {
		bcfg := apply(completion.DefaultOllamaConfig())
		registry.Register(completion.NewOllamaBackend(bcfg, ollamaURL), bcfg)
		logger.Info("registered Ollama backend", "url", ollamaURL)
	}

	if len(registry.List()) == 0 {
		logger.Warn("no completion backends configured - set API keys for: OpenAI, Anthropic, Azure OpenAI, Gemini, or KOS_COMPLETION_OLLAMA_ENABLED=true")
	}

	return registry, nil
}
