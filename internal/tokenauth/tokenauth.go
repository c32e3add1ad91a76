// Package tokenauth verifies bearer tokens against an external identity
// provider and turns their claims into the Identity the policy engine
// consumes. Verification is local: only the JWKS fetch touches the network,
// and the jwk cache keeps that off the per-request path.
package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/ashita-ai/torii/internal/model"
)

// defaultAllowedAlgs is the signing algorithm allow-list. Symmetric
// algorithms are excluded on purpose: a shared secret in a JWKS-based
// setup would let any verifier mint tokens.
var defaultAllowedAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}

// Config carries the identity-provider settings.
type Config struct {
	Issuer      string
	JWKSURL     string
	Audiences   []string
	GroupsClaim string        // claim path holding group names, default "groups"
	ClockSkew   time.Duration // leeway for exp/nbf, default 30s
	AllowedAlgs []string
}

// Verifier validates bearer tokens. Safe for concurrent use.
type Verifier struct {
	cfg    Config
	cache  *jwk.Cache
	logger *slog.Logger
}

// New creates a verifier and registers the JWKS URL with the auto-refresh
// cache. The context bounds the cache's background refresh lifetime.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("tokenauth: jwks url must not be empty")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("tokenauth: issuer must not be empty")
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = defaultAllowedAlgs
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("tokenauth: register jwks url: %w", err)
	}

	return &Verifier{cfg: cfg, cache: cache, logger: logger}, nil
}

// Verify validates the raw token and extracts the caller identity. All
// failures come back as *model.TokenError with a machine-readable reason.
func (v *Verifier) Verify(ctx context.Context, raw string) (model.Identity, error) {
	if raw == "" {
		return model.Identity{}, tokenErr(model.TokenMalformed, errors.New("tokenauth: empty token"))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	},
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return model.Identity{}, classify(err)
	}

	if err := v.checkAudience(claims); err != nil {
		return model.Identity{}, err
	}

	return identityFromClaims(claims, v.cfg.GroupsClaim), nil
}

// keyFor resolves the verification key for a token via the JWKS cache.
// Lookup is cache-hit for any kid the provider has already published; a
// miss triggers one refresh shared by concurrent callers.
func (v *Verifier) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("tokenauth: token header missing kid")
	}

	keySet, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, &jwksError{err: err}
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		// The provider may have rotated keys since the last refresh.
		keySet, err = v.cache.Refresh(ctx, v.cfg.JWKSURL)
		if err != nil {
			return nil, &jwksError{err: err}
		}
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("tokenauth: key %q not found in jwks", kid)
		}
	}

	var rawKey any
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("tokenauth: extract raw key: %w", err)
	}
	return rawKey, nil
}

func (v *Verifier) checkAudience(claims jwt.MapClaims) error {
	if len(v.cfg.Audiences) == 0 {
		return nil
	}
	auds, err := claims.GetAudience()
	if err != nil || len(auds) == 0 {
		return tokenErr(model.TokenBadAudience, fmt.Errorf("tokenauth: token carries no audience"))
	}
	for _, want := range v.cfg.Audiences {
		for _, got := range auds {
			if got == want {
				return nil
			}
		}
	}
	return tokenErr(model.TokenBadAudience, fmt.Errorf("tokenauth: audience %v not accepted", auds))
}

// jwksError marks a keyfunc failure caused by JWKS retrieval rather than
// the token itself, so classify can report jwks-unavailable instead of an
// unhelpful signature failure.
type jwksError struct{ err error }

func (e *jwksError) Error() string { return "tokenauth: jwks unavailable: " + e.err.Error() }
func (e *jwksError) Unwrap() error { return e.err }

func classify(err error) error {
	var jwksErr *jwksError
	switch {
	case errors.As(err, &jwksErr):
		return tokenErr(model.TokenJWKSUnavailable, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return tokenErr(model.TokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return tokenErr(model.TokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return tokenErr(model.TokenBadIssuer, err)
	default:
		return tokenErr(model.TokenBadSignature, err)
	}
}

func tokenErr(reason model.TokenReason, err error) *model.TokenError {
	return &model.TokenError{Reason: reason, Err: err}
}

func identityFromClaims(claims jwt.MapClaims, groupsClaim string) model.Identity {
	id := model.Identity{}
	if sub, err := claims.GetSubject(); err == nil {
		id.Subject = sub
	}
	if username, ok := claims["preferred_username"].(string); ok {
		id.Username = username
	}

	switch groups := claims[groupsClaim].(type) {
	case []any:
		for _, g := range groups {
			if s, ok := g.(string); ok {
				id.Groups = append(id.Groups, s)
			}
		}
	case []string:
		id.Groups = groups
	case string:
		if groups != "" {
			id.Groups = []string{groups}
		}
	}
	return id
}
