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

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/backend/postgres"
	"github.com/ashita-ai/torii/internal/backend/sqlite"
	"github.com/ashita-ai/torii/internal/config"
	"github.com/ashita-ai/torii/internal/embedding"
	"github.com/ashita-ai/torii/internal/health"
	"github.com/ashita-ai/torii/internal/index"
	"github.com/ashita-ai/torii/internal/ratelimit"
	"github.com/ashita-ai/torii/internal/registry"
	"github.com/ashita-ai/torii/internal/scan"
	"github.com/ashita-ai/torii/internal/scopes"
	"github.com/ashita-ai/torii/internal/server"
	"github.com/ashita-ai/torii/internal/store"
	"github.com/ashita-ai/torii/internal/telemetry"
	"github.com/ashita-ai/torii/internal/tokenauth"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TORII_LOG_LEVEL") == "debug" {
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

	slog.Info("torii starting", "version", version, "port", cfg.Port, "namespace", cfg.Namespace)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the persistence backend.
	driver, err := newDriver(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	defer func() { _ = driver.Close(context.Background()) }()

	st := store.New(driver, cfg.EmbeddingDimensions, logger)
	if err := st.EnsureNamespace(ctx, cfg.Namespace); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}

	// Create the embedding provider. Verified wraps every provider so a
	// dimension mismatch surfaces as an error instead of corrupt vectors.
	provider, err := newEmbeddingProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	embedder := embedding.NewVerified(provider)

	// Create the vector index and its sync worker.
	idx, err := newIndex(cfg, logger)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	defer func() { _ = idx.Close() }()

	syncWorker := index.NewSyncWorker(st, embedder, idx, logger)
	if err := syncWorker.Rebuild(ctx, cfg.Namespace); err != nil {
		logger.Warn("index rebuild failed, serving stale until sync catches up", "error", err)
	}
	syncWorker.Start(ctx)

	// Seed scopes from file before the watcher takes its first snapshot.
	if cfg.ScopeSeedFile != "" {
		if err := seedScopes(ctx, st, cfg); err != nil {
			return fmt.Errorf("scope seed: %w", err)
		}
	}

	watcher := scopes.NewWatcher(st, cfg.Namespace, cfg.AdminScope, logger)
	if err := watcher.Load(ctx); err != nil {
		return fmt.Errorf("scopes: %w", err)
	}
	watcher.Start(ctx)

	// Health supervisor probes registered upstreams on a jittered interval.
	supervisor := health.New(st, health.Config{
		Interval:           cfg.HealthInterval,
		Timeout:            cfg.HealthTimeout,
		Concurrency:        int64(cfg.HealthConcurrency),
		HealthyThreshold:   cfg.HealthyThreshold,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
	}, logger)
	if err := supervisor.LoadTargets(ctx, cfg.Namespace); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	supervisor.Start(ctx)

	// Scan worker inspects new and updated registrations in the background.
	scanWorker := scan.NewWorker(st, cfg.Namespace, logger)
	scanWorker.Start(ctx)

	verifier, err := tokenauth.New(ctx, tokenauth.Config{
		Issuer:      cfg.OAuthIssuer,
		JWKSURL:     cfg.OAuthJWKSURL,
		Audiences:   cfg.OAuthAudiences,
		GroupsClaim: cfg.GroupsClaim,
		ClockSkew:   cfg.ClockSkew,
	}, logger)
	if err != nil {
		return fmt.Errorf("tokenauth: %w", err)
	}

	reg := registry.New(st, embedder, idx, syncWorker, watcher, logger, registry.Options{
		SyncWaitMax: cfg.SyncWaitMax,
	})

	broker := server.NewBroker(st.Bus(), supervisor.Transitions(), cfg.Namespace, logger)
	go broker.Start(ctx)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemory(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory token bucket", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.Config{
		Registry:     reg,
		Store:        st,
		Verifier:     verifier,
		Logger:       logger,
		Broker:       broker,
		Supervisor:   supervisor,
		RateLimiter:  limiter,
		Namespace:    cfg.Namespace,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight ones, (2) drain the index sync worker
	// so mutations made during the drain still reach the index, (3) stop the
	// background workers.
	slog.Info("torii shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	syncCtx, syncCancel := context.WithTimeout(context.Background(), 10*time.Second)
	syncWorker.Drain(syncCtx)
	syncCancel()

	bgCtx, bgCancel := context.WithTimeout(context.Background(), 5*time.Second)
	scanWorker.Drain(bgCtx)
	supervisor.Stop(bgCtx)
	watcher.Stop(bgCtx)
	bgCancel()

	slog.Info("torii stopped")
	return nil
}

// newDriver opens the configured persistence backend.
func newDriver(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend.Driver, error) {
	switch cfg.BackendKind {
	case "postgres":
		logger.Info("backend: postgres")
		return postgres.New(ctx, cfg.DatabaseURL, logger)
	case "sqlite":
		logger.Info("backend: sqlite", "path", cfg.SQLitePath)
		return sqlite.New(cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.BackendKind)
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// The local provider needs no credentials and keeps search fully on-premises.
func newEmbeddingProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "local":
		logger.Info("embedding provider: local", "dimensions", dims)
		return embedding.NewLocal(dims), nil

	case "openai":
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAI(embedding.OpenAIConfig{
			APIBase: cfg.EmbeddingAPIBase,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbeddingModel,
			Dim:     dims,
		}), nil

	case "cohere":
		logger.Info("embedding provider: cohere", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewCohere(embedding.CohereConfig{
			APIBase: cfg.EmbeddingAPIBase,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbeddingModel,
			Dim:     dims,
		}), nil

	case "bedrock":
		logger.Info("embedding provider: bedrock", "model", cfg.EmbeddingModel, "region", cfg.BedrockRegion, "dimensions", dims)
		return embedding.NewBedrock(ctx, embedding.BedrockConfig{
			Region:  cfg.BedrockRegion,
			ModelID: cfg.EmbeddingModel,
			Dim:     dims,
		})

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.EmbeddingProvider)
	}
}

// newIndex creates the vector index backend.
func newIndex(cfg config.Config, logger *slog.Logger) (index.Index, error) {
	switch cfg.IndexKind {
	case "memory":
		logger.Info("index: memory")
		return index.NewMemory(), nil

	case "qdrant":
		q, err := index.NewQdrant(index.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: "torii",
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := q.EnsureCollection(context.Background()); err != nil {
			_ = q.Close()
			return nil, err
		}
		logger.Info("index: qdrant", "url", cfg.QdrantURL)
		return q, nil

	default:
		return nil, fmt.Errorf("unknown index %q", cfg.IndexKind)
	}
}

// seedScopes loads scope records from the configured file and upserts them.
// Existing records with the same name are overwritten, so the file stays
// authoritative across restarts.
func seedScopes(ctx context.Context, st *store.Store, cfg config.Config) error {
	data, err := os.ReadFile(cfg.ScopeSeedFile)
	if err != nil {
		return err
	}
	records, err := scopes.ParseFile(data, cfg.AcceptLegacyFile)
	if err != nil {
		return err
	}
	for _, sc := range records {
		if _, err := st.PutScope(ctx, cfg.Namespace, sc); err != nil {
			return fmt.Errorf("put %q: %w", sc.Name, err)
		}
	}
	slog.Info("scope seed applied", "file", cfg.ScopeSeedFile, "count", len(records))
	return nil
}
