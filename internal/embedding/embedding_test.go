package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/torii/internal/model"
)

func TestLocal_Deterministic(t *testing.T) {
	l := NewLocal(64)
	ctx := context.Background()

	a, err := l.EmbedBatch(ctx, []string{"github issues and pull requests"})
	require.NoError(t, err)
	b, err := l.EmbedBatch(ctx, []string{"github issues and pull requests"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a[0], 64)
}

func TestLocal_Normalized(t *testing.T) {
	l := NewLocal(32)

	vecs, err := l.EmbedBatch(context.Background(), []string{"alpha beta gamma"})
	require.NoError(t, err)

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestLocal_DistinctTextsDiffer(t *testing.T) {
	l := NewLocal(64)

	vecs, err := l.EmbedBatch(context.Background(), []string{
		"kubernetes cluster operations",
		"invoice billing reconciliation",
	})
	require.NoError(t, err)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestLocal_EmptyTextYieldsZeroVector(t *testing.T) {
	l := NewLocal(16)

	vecs, err := l.EmbedBatch(context.Background(), []string{""})
	require.NoError(t, err)
	for _, v := range vecs[0] {
		assert.Zero(t, v)
	}
}

func TestOpenAI_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 2)

		// Return out of order to exercise index-based reassembly.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIBase: srv.URL + "/v1", APIKey: "test-key", Model: "test-model", Dim: 2})
	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])
}

func TestOpenAI_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIBase: srv.URL + "/v1", Model: "m", Dim: 2})
	_, err := p.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)

	var embErr *model.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.True(t, embErr.Transient)
}

func TestOpenAI_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIBase: srv.URL + "/v1", Model: "m", Dim: 2})
	_, err := p.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)

	var embErr *model.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.False(t, embErr.Transient)
}

func TestVerified_DimensionMismatchFailsFirstCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{1, 0, 0}},
			},
		})
	}))
	defer srv.Close()

	// Configured for 2 dimensions, endpoint returns 3.
	p := NewVerified(NewOpenAI(OpenAIConfig{APIBase: srv.URL + "/v1", Model: "m", Dim: 2}))
	_, err := p.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)

	var embErr *model.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.False(t, embErr.Transient)
	assert.Contains(t, err.Error(), "dimension")
}

func TestVerified_PassesMatchingDimension(t *testing.T) {
	p := NewVerified(NewLocal(8))

	vecs, err := p.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.Len(t, vecs[0], 8)
	assert.Equal(t, 8, p.Dimensions())
}

func TestCohere_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/embed", r.URL.Path)

		var req cohereEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "search_document", req.InputType)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": map[string]any{
				"float": [][]float32{{0.5, 0.5}},
			},
		})
	}))
	defer srv.Close()

	p := NewCohere(CohereConfig{APIBase: srv.URL + "/v2", APIKey: "k", Model: "embed-v4", Dim: 2})
	vecs, err := p.EmbedBatch(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vecs[0])
}
