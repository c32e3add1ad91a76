package torii

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	namespace         string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	verifier          TokenVerifier
}

// WithPort overrides the TCP port from config (TORII_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNamespace overrides the namespace every request is served under
// (TORII_NAMESPACE env var).
func WithNamespace(ns string) Option {
	return func(o *resolvedOptions) { o.namespace = ns }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the configured embedding provider
// (local/openai/cohere/bedrock) with a custom implementation.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithTokenVerifier replaces the JWKS-backed bearer token verifier.
// Use for deployments where identity comes from something other than
// an OAuth issuer, such as mTLS or a service mesh header.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(o *resolvedOptions) { o.verifier = v }
}
