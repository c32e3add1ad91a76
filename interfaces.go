package torii

import "context"

// EmbeddingProvider generates vector embeddings from text. When provided
// via WithEmbeddingProvider it replaces the configured provider. Vectors
// must all have Dimensions() width; mismatches are rejected at runtime.
type EmbeddingProvider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// TokenVerifier validates a raw bearer token and returns the caller's
// identity. When provided via WithTokenVerifier it replaces the
// JWKS-backed verifier. Verification errors surface as HTTP 401.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (Identity, error)
}
