// Package embedding turns entity text blobs into vectors. Providers share
// one contract so the index never cares whether vectors come from a local
// hash embedder, an OpenAI-compatible endpoint, Cohere, or Bedrock.
package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashita-ai/torii/internal/model"
)

// Provider generates vector embeddings for batches of text.
// Implementations must be safe for concurrent use.
type Provider interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector width this provider produces.
	Dimensions() int

	// Kind names the provider for logs and config validation.
	Kind() string
}

// Verified wraps a provider and checks, on the first successful call, that
// the vectors actually match the configured dimension. Remote APIs silently
// change widths across model revisions; a mismatch here poisons every
// similarity score, so it is a hard error rather than a warning.
type Verified struct {
	inner Provider

	mu      sync.Mutex
	checked bool
}

// NewVerified wraps p with first-call dimension verification.
func NewVerified(p Provider) *Verified {
	return &Verified{inner: p}
}

func (v *Verified) Dimensions() int { return v.inner.Dimensions() }
func (v *Verified) Kind() string    { return v.inner.Kind() }

func (v *Verified) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := v.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, &model.EmbeddingError{
			Err: fmt.Errorf("embedding: %s returned %d vectors for %d inputs", v.inner.Kind(), len(vecs), len(texts)),
		}
	}

	v.mu.Lock()
	needCheck := !v.checked
	v.mu.Unlock()

	if needCheck && len(vecs) > 0 {
		for _, vec := range vecs {
			if len(vec) != v.inner.Dimensions() {
				return nil, &model.EmbeddingError{
					Err: fmt.Errorf("embedding: %s produced dimension %d, configured %d",
						v.inner.Kind(), len(vec), v.inner.Dimensions()),
				}
			}
		}
		v.mu.Lock()
		v.checked = true
		v.mu.Unlock()
	}
	return vecs, nil
}

// transient wraps err as a retryable embedding failure.
func transient(err error) error {
	return &model.EmbeddingError{Transient: true, Err: err}
}

// permanent wraps err as a non-retryable embedding failure.
func permanent(err error) error {
	return &model.EmbeddingError{Err: err}
}
