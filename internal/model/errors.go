package model

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the user-facing taxonomy. Components wrap these
// with context via fmt.Errorf("...: %w", ...); the termination layer maps
// them to status codes with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalid            = errors.New("invalid")
	ErrForbidden          = errors.New("forbidden")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrIndexStale         = errors.New("index stale")
)

// TokenReason is the machine-readable cause of a token rejection.
type TokenReason string

const (
	TokenMalformed       TokenReason = "malformed"
	TokenBadSignature    TokenReason = "signature"
	TokenExpired         TokenReason = "expired"
	TokenBadIssuer       TokenReason = "issuer"
	TokenBadAudience     TokenReason = "audience"
	TokenJWKSUnavailable TokenReason = "jwks-unavailable"
)

// TokenError reports why a bearer token was rejected.
type TokenError struct {
	Reason TokenReason
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token invalid (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("token invalid (%s)", e.Reason)
}

func (e *TokenError) Unwrap() error { return e.Err }

// EmbeddingError reports an embedding provider failure. Transient failures
// are re-queued by the index synchronizer; permanent ones dead-letter
// immediately.
type EmbeddingError struct {
	Transient bool
	Err       error
}

func (e *EmbeddingError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embeddings failed (%s): %v", kind, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// InternalError wraps an unexpected failure caught at the orchestrator
// boundary. The correlation id also appears in the log line for the
// underlying cause; the cause itself is never surfaced to callers.
type InternalError struct {
	CorrelationID string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error (correlation_id=%s)", e.CorrelationID)
}
