package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Cohere talks to the Cohere v2 embed endpoint.
type Cohere struct {
	apiBase string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

// CohereConfig carries the knobs for a Cohere provider.
type CohereConfig struct {
	APIBase string // default https://api.cohere.com/v2
	APIKey  string
	Model   string
	Dim     int
	Timeout time.Duration
}

// NewCohere creates a Cohere embedding provider.
func NewCohere(cfg CohereConfig) *Cohere {
	base := cfg.APIBase
	if base == "" {
		base = "https://api.cohere.com/v2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Cohere{
		apiBase: base,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dim:     cfg.Dim,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Cohere) Kind() string    { return "cohere" }
func (c *Cohere) Dimensions() int { return c.dim }

type cohereEmbedRequest struct {
	Texts          []string `json:"texts"`
	Model          string   `json:"model"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

type cohereEmbedResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
	Message string `json:"message,omitempty"`
}

func (c *Cohere) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(cohereEmbedRequest{
		Texts:          texts,
		Model:          c.model,
		InputType:      "search_document",
		EmbeddingTypes: []string{"float"},
	})
	if err != nil {
		return nil, permanent(fmt.Errorf("embedding: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("embedding: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transient(fmt.Errorf("embedding: http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(fmt.Errorf("embedding: read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embedding: cohere returned %d: %s", resp.StatusCode, string(respBody))
		if retryableStatus(resp.StatusCode) {
			return nil, transient(err)
		}
		return nil, permanent(err)
	}

	var result cohereEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, permanent(fmt.Errorf("embedding: unmarshal response: %w", err))
	}
	if len(result.Embeddings.Float) != len(texts) {
		return nil, permanent(fmt.Errorf("embedding: cohere returned %d vectors for %d inputs",
			len(result.Embeddings.Float), len(texts)))
	}
	return result.Embeddings.Float, nil
}
