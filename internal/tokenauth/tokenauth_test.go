package tokenauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/testutil"
)

type jwksFixture struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(key.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "test-key-1"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	return &jwksFixture{key: key, kid: "test-key-1", server: srv}
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = f.kid
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func newVerifier(t *testing.T, f *jwksFixture) *Verifier {
	t.Helper()
	v, err := New(context.Background(), Config{
		Issuer:    "https://idp.example.com",
		JWKSURL:   f.server.URL,
		Audiences: []string{"torii"},
	}, testutil.TestLogger())
	require.NoError(t, err)
	return v
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                "https://idp.example.com",
		"aud":                "torii",
		"sub":                "user-1",
		"preferred_username": "alice",
		"groups":             []string{"mcp-servers-restricted/read", "developers"},
		"exp":                time.Now().Add(time.Hour).Unix(),
		"iat":                time.Now().Unix(),
	}
}

func reasonOf(t *testing.T, err error) model.TokenReason {
	t.Helper()
	var tokErr *model.TokenError
	require.ErrorAs(t, err, &tokErr)
	return tokErr.Reason
}

func TestVerify_ValidToken(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	id, err := v.Verify(context.Background(), f.sign(t, baseClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.Subject)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, []string{"mcp-servers-restricted/read", "developers"}, id.Groups)
}

func TestVerify_Expired(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := v.Verify(context.Background(), f.sign(t, claims))
	assert.Equal(t, model.TokenExpired, reasonOf(t, err))
}

func TestVerify_ClockSkewTolerated(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	// Expired ten seconds ago: inside the default 30s leeway.
	claims := baseClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()

	_, err := v.Verify(context.Background(), f.sign(t, claims))
	assert.NoError(t, err)
}

func TestVerify_WrongIssuer(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	claims := baseClaims()
	claims["iss"] = "https://evil.example.com"

	_, err := v.Verify(context.Background(), f.sign(t, claims))
	assert.Equal(t, model.TokenBadIssuer, reasonOf(t, err))
}

func TestVerify_WrongAudience(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	claims := baseClaims()
	claims["aud"] = "someone-else"

	_, err := v.Verify(context.Background(), f.sign(t, claims))
	assert.Equal(t, model.TokenBadAudience, reasonOf(t, err))
}

func TestVerify_AudienceListOneMatchSuffices(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	claims := baseClaims()
	claims["aud"] = []string{"someone-else", "torii"}

	_, err := v.Verify(context.Background(), f.sign(t, claims))
	assert.NoError(t, err)
}

func TestVerify_Malformed(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	for _, raw := range []string{"", "not-a-jwt", "a.b"} {
		_, err := v.Verify(context.Background(), raw)
		assert.Equal(t, model.TokenMalformed, reasonOf(t, err), "token %q", raw)
	}
}

func TestVerify_SignatureFromWrongKey(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	tok.Header["kid"] = f.kid
	signed, err := tok.SignedString(other)
	require.NoError(t, err)

	_, verr := v.Verify(context.Background(), signed)
	assert.Equal(t, model.TokenBadSignature, reasonOf(t, verr))
}

func TestVerify_SymmetricAlgRejected(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
	tok.Header["kid"] = f.kid
	signed, err := tok.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, verr := v.Verify(context.Background(), signed)
	require.Error(t, verr)
	var tokErr *model.TokenError
	require.ErrorAs(t, verr, &tokErr)
	assert.NotEqual(t, model.TokenReason(""), tokErr.Reason)
}

func TestVerify_JWKSUnavailable(t *testing.T) {
	f := newJWKSFixture(t)

	// Point at a server that immediately goes away.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	dead.Close()

	v, err := New(context.Background(), Config{
		Issuer:  "https://idp.example.com",
		JWKSURL: dead.URL,
	}, testutil.TestLogger())
	require.NoError(t, err)

	_, verr := v.Verify(context.Background(), f.sign(t, baseClaims()))
	assert.Equal(t, model.TokenJWKSUnavailable, reasonOf(t, verr))
}

func TestVerify_GroupsClaimShapes(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f)

	claims := baseClaims()
	claims["groups"] = "single-group"
	id, err := v.Verify(context.Background(), f.sign(t, claims))
	require.NoError(t, err)
	assert.Equal(t, []string{"single-group"}, id.Groups)

	claims["groups"] = nil
	id, err = v.Verify(context.Background(), f.sign(t, claims))
	require.NoError(t, err)
	assert.Empty(t, id.Groups)
}

func TestVerify_CustomGroupsClaim(t *testing.T) {
	f := newJWKSFixture(t)

	v, err := New(context.Background(), Config{
		Issuer:      "https://idp.example.com",
		JWKSURL:     f.server.URL,
		GroupsClaim: "roles",
	}, testutil.TestLogger())
	require.NoError(t, err)

	claims := baseClaims()
	claims["roles"] = []string{"operator"}
	id, verr := v.Verify(context.Background(), f.sign(t, claims))
	require.NoError(t, verr)
	assert.Equal(t, []string{"operator"}, id.Groups)
}
