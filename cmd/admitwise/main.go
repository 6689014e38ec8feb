package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/admitwise/admitwise/internal/config"
	"github.com/admitwise/admitwise/internal/discovery"
	"github.com/admitwise/admitwise/internal/engine"
	"github.com/admitwise/admitwise/internal/flywheel"
	"github.com/admitwise/admitwise/internal/ratelimit"
	"github.com/admitwise/admitwise/internal/scoring"
	"github.com/admitwise/admitwise/internal/search"
	"github.com/admitwise/admitwise/internal/server"
	"github.com/admitwise/admitwise/internal/service/embedding"
	"github.com/admitwise/admitwise/internal/storage"
	"github.com/admitwise/admitwise/internal/telemetry"
	"github.com/admitwise/admitwise/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ADMITWISE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("admitwise starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Embedding provider for cache-check queries and institution vectors.
	embedder := newEmbeddingProvider(ctx, cfg, logger)

	// Vector matcher: pgvector by default, Qdrant when configured.
	matcher, closeMatcher, err := newMatcher(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeMatcher()

	// Grounded discovery through Gemini.
	discoverer, err := discovery.NewGeminiDiscoverer(ctx, cfg.GoogleAPIKey, cfg.DiscoveryModel, cfg.DiscoveryTimeout, logger)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	writer := flywheel.NewWriter(db, embedder, matcher, logger)

	scorer := scoring.NewScorer(scoring.Config{
		ReachAcceptanceBelow:  cfg.ReachAcceptanceBelow,
		SafetyAcceptanceAbove: cfg.SafetyAcceptanceAbove,
		InStateBonus:          cfg.InStateBonus,
		NeedBlindBonus:        cfg.NeedBlindBonus,
		CampusVibeBonus:       cfg.CampusVibeBonus,
		AthleteBonus:          cfg.AthleteBonus,
		LegacyBonus:           cfg.LegacyBonus,
	})

	eng := engine.New(db, matcher, discoverer, writer, embedder, scorer, engine.Config{
		CacheTTL:         cfg.CacheTTL,
		ResultLimit:      cfg.ResultLimit,
		SimilarityLimit:  cfg.SimilarityLimit,
		DiscoveryRetries: cfg.DiscoveryRetries,
		DiscoveryBackoff: cfg.DiscoveryBackoff,
	}, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Engine:              eng,
		Store:               db,
		Matcher:             matcher,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("admitwise shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("admitwise stopped")
	return nil
}

// newMatcher builds the configured vector matcher. The pgvector matcher
// queries the institutions table directly; the Qdrant matcher keeps a
// mirrored index and hydrates result rows from Postgres.
func newMatcher(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (search.Matcher, func(), error) {
	switch cfg.SearchBackend {
	case "qdrant":
		m, err := search.NewQdrantMatcher(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			Threshold:  float32(cfg.SimilarityThreshold),
		}, db, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := m.EnsureCollection(ctx); err != nil {
			_ = m.Close()
			return nil, nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("vector matcher: qdrant", "collection", cfg.QdrantCollection)
		return m, func() { _ = m.Close() }, nil

	default:
		logger.Info("vector matcher: pgvector")
		return search.NewPgVectorMatcher(db, cfg.SimilarityThreshold), func() {}, nil
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "gemini", "openai", "noop", or "auto" (default).
// Auto mode prefers Gemini when a Google API key is present (one credential
// covers both discovery and embeddings), then OpenAI, else noop.
func newEmbeddingProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	gemini := func() embedding.Provider {
		p, err := embedding.NewGeminiProvider(ctx, cfg.GoogleAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("gemini provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: gemini", "dimensions", dims)
		return p
	}

	switch cfg.EmbeddingProvider {
	case "gemini":
		if cfg.GoogleAPIKey == "" {
			logger.Error("GOOGLE_API_KEY required when ADMITWISE_EMBEDDING_PROVIDER=gemini")
			return embedding.NewNoopProvider(dims)
		}
		return gemini()

	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when ADMITWISE_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (cache check disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if cfg.GoogleAPIKey != "" {
			return gemini()
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (cache check disabled)")
		return embedding.NewNoopProvider(dims)
	}
}
