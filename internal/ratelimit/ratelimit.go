// Package ratelimit provides a pluggable per-caller rate limit.
//
// The default implementation is an in-memory token bucket keyed by an
// opaque caller identifier. The Limiter interface is the contract, so a
// shared backend can be substituted when running multiple instances.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use. An error signals a
// limiter malfunction; callers should fail open rather than block traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources such as cleanup goroutines.
	Close() error
}

// Noop permits every request. Used when rate limiting is disabled.
type Noop struct{}

func (Noop) Allow(context.Context, string) (bool, error) { return true, nil }

func (Noop) Close() error { return nil }
