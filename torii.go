// Package torii is the public API for embedding the torii registry and
// gateway control plane.
//
// Consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := torii.New(
//	    torii.WithVersion(version),
//	    torii.WithLogger(logger),
//	    torii.WithEmbeddingProvider(myProvider),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: torii (root) imports
// internal/*, but internal/* never imports torii (root). Public types are
// standalone structs with no internal imports; the adapters that bridge
// both sides of the boundary live here.
package torii

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/torii/internal/backend"
	"github.com/ashita-ai/torii/internal/backend/postgres"
	"github.com/ashita-ai/torii/internal/backend/sqlite"
	"github.com/ashita-ai/torii/internal/config"
	"github.com/ashita-ai/torii/internal/embedding"
	"github.com/ashita-ai/torii/internal/health"
	"github.com/ashita-ai/torii/internal/index"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/ratelimit"
	"github.com/ashita-ai/torii/internal/registry"
	"github.com/ashita-ai/torii/internal/scan"
	"github.com/ashita-ai/torii/internal/scopes"
	"github.com/ashita-ai/torii/internal/server"
	"github.com/ashita-ai/torii/internal/store"
	"github.com/ashita-ai/torii/internal/telemetry"
	"github.com/ashita-ai/torii/internal/tokenauth"
)

// App is the torii server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	driver       backend.Driver
	st           *store.Store
	idx          index.Index
	syncWorker   *index.SyncWorker
	watcher      *scopes.Watcher
	supervisor   *health.Supervisor
	scanWorker   *scan.Worker
	broker       *server.Broker
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the torii server. It opens the backend, wires all
// subsystems, and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.namespace != "" {
		cfg.Namespace = o.namespace
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("torii starting", "version", version, "port", cfg.Port, "namespace", cfg.Namespace)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	fail := func(err error) (*App, error) {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	var driver backend.Driver
	switch cfg.BackendKind {
	case "postgres":
		driver, err = postgres.New(ctx, cfg.DatabaseURL, logger)
	case "sqlite":
		driver, err = sqlite.New(cfg.SQLitePath, logger)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.BackendKind)
	}
	if err != nil {
		return fail(fmt.Errorf("backend: %w", err))
	}

	st := store.New(driver, cfg.EmbeddingDimensions, logger)
	if err := st.EnsureNamespace(ctx, cfg.Namespace); err != nil {
		_ = driver.Close(context.Background())
		return fail(fmt.Errorf("namespace: %w", err))
	}

	// Embedding provider: option override wins, otherwise built from config.
	var provider embedding.Provider
	if o.embeddingProvider != nil {
		provider = &providerAdapter{inner: o.embeddingProvider}
	} else {
		provider, err = buildProvider(ctx, cfg, logger)
		if err != nil {
			_ = driver.Close(context.Background())
			return fail(fmt.Errorf("embedding: %w", err))
		}
	}
	embedder := embedding.NewVerified(provider)

	idx, err := buildIndex(cfg, logger)
	if err != nil {
		_ = driver.Close(context.Background())
		return fail(fmt.Errorf("index: %w", err))
	}

	syncWorker := index.NewSyncWorker(st, embedder, idx, logger)
	if err := syncWorker.Rebuild(ctx, cfg.Namespace); err != nil {
		logger.Warn("index rebuild failed, serving stale until sync catches up", "error", err)
	}

	if cfg.ScopeSeedFile != "" {
		if err := seedScopes(ctx, st, cfg, logger); err != nil {
			_ = idx.Close()
			_ = driver.Close(context.Background())
			return fail(fmt.Errorf("scope seed: %w", err))
		}
	}

	watcher := scopes.NewWatcher(st, cfg.Namespace, cfg.AdminScope, logger)
	if err := watcher.Load(ctx); err != nil {
		_ = idx.Close()
		_ = driver.Close(context.Background())
		return fail(fmt.Errorf("scopes: %w", err))
	}

	supervisor := health.New(st, health.Config{
		Interval:           cfg.HealthInterval,
		Timeout:            cfg.HealthTimeout,
		Concurrency:        int64(cfg.HealthConcurrency),
		HealthyThreshold:   cfg.HealthyThreshold,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
	}, logger)
	if err := supervisor.LoadTargets(ctx, cfg.Namespace); err != nil {
		_ = idx.Close()
		_ = driver.Close(context.Background())
		return fail(fmt.Errorf("health: %w", err))
	}

	scanWorker := scan.NewWorker(st, cfg.Namespace, logger)

	// Token verifier: option override wins, otherwise JWKS-backed.
	var verifier server.TokenVerifier
	if o.verifier != nil {
		verifier = &verifierAdapter{inner: o.verifier}
	} else {
		verifier, err = tokenauth.New(ctx, tokenauth.Config{
			Issuer:      cfg.OAuthIssuer,
			JWKSURL:     cfg.OAuthJWKSURL,
			Audiences:   cfg.OAuthAudiences,
			GroupsClaim: cfg.GroupsClaim,
			ClockSkew:   cfg.ClockSkew,
		}, logger)
		if err != nil {
			_ = idx.Close()
			_ = driver.Close(context.Background())
			return fail(fmt.Errorf("tokenauth: %w", err))
		}
	}

	reg := registry.New(st, embedder, idx, syncWorker, watcher, logger, registry.Options{
		SyncWaitMax: cfg.SyncWaitMax,
	})

	broker := server.NewBroker(st.Bus(), supervisor.Transitions(), cfg.Namespace, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemory(cfg.RateLimitRPS, cfg.RateLimitBurst)
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

	return &App{
		cfg:          cfg,
		driver:       driver,
		st:           st,
		idx:          idx,
		syncWorker:   syncWorker,
		watcher:      watcher,
		supervisor:   supervisor,
		scanWorker:   scanWorker,
		broker:       broker,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background workers and the HTTP server, then blocks
// until ctx is cancelled or the server fails. On cancellation it performs
// a phased graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	a.syncWorker.Start(ctx)
	a.watcher.Start(ctx)
	a.supervisor.Start(ctx)
	a.scanWorker.Start(ctx)
	go a.broker.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains the server and stops all workers. Phase order: HTTP
// first so no new mutations arrive, then the index sync worker so
// mutations made during the drain still reach the index, then the
// remaining background workers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("torii shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	syncCtx, syncCancel := context.WithTimeout(ctx, 10*time.Second)
	a.syncWorker.Drain(syncCtx)
	syncCancel()

	bgCtx, bgCancel := context.WithTimeout(ctx, 5*time.Second)
	a.scanWorker.Drain(bgCtx)
	a.supervisor.Stop(bgCtx)
	a.watcher.Stop(bgCtx)
	bgCancel()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.idx.Close()
	_ = a.otelShutdown(context.Background())
	_ = a.driver.Close(context.Background())

	a.logger.Info("torii stopped")
	return nil
}

// buildProvider creates an embedding provider from configuration.
func buildProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	dims := cfg.EmbeddingDimensions
	logger.Info("embedding provider", "kind", cfg.EmbeddingProvider, "dimensions", dims)
	switch cfg.EmbeddingProvider {
	case "local":
		return embedding.NewLocal(dims), nil
	case "openai":
		return embedding.NewOpenAI(embedding.OpenAIConfig{
			APIBase: cfg.EmbeddingAPIBase,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbeddingModel,
			Dim:     dims,
		}), nil
	case "cohere":
		return embedding.NewCohere(embedding.CohereConfig{
			APIBase: cfg.EmbeddingAPIBase,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbeddingModel,
			Dim:     dims,
		}), nil
	case "bedrock":
		return embedding.NewBedrock(ctx, embedding.BedrockConfig{
			Region:  cfg.BedrockRegion,
			ModelID: cfg.EmbeddingModel,
			Dim:     dims,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.EmbeddingProvider)
	}
}

// buildIndex creates the vector index from configuration.
func buildIndex(cfg config.Config, logger *slog.Logger) (index.Index, error) {
	switch cfg.IndexKind {
	case "memory":
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
		return q, nil
	default:
		return nil, fmt.Errorf("unknown index %q", cfg.IndexKind)
	}
}

// seedScopes loads scope records from the configured file and upserts
// them so the file stays authoritative across restarts.
func seedScopes(ctx context.Context, st *store.Store, cfg config.Config, logger *slog.Logger) error {
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
	logger.Info("scope seed applied", "file", cfg.ScopeSeedFile, "count", len(records))
	return nil
}

// providerAdapter bridges the public EmbeddingProvider onto the internal
// provider contract.
type providerAdapter struct {
	inner EmbeddingProvider
}

func (p *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.inner.EmbedBatch(ctx, texts)
}

func (p *providerAdapter) Dimensions() int { return p.inner.Dimensions() }

func (p *providerAdapter) Kind() string { return "custom" }

// verifierAdapter bridges the public TokenVerifier onto the internal
// identity type.
type verifierAdapter struct {
	inner TokenVerifier
}

func (v *verifierAdapter) Verify(ctx context.Context, raw string) (model.Identity, error) {
	id, err := v.inner.Verify(ctx, raw)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{
		Subject:  id.Subject,
		Username: id.Username,
		Groups:   id.Groups,
	}, nil
}
