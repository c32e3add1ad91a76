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

// OpenAI talks to an OpenAI-compatible /v1/embeddings endpoint. APIBase
// makes it work against proxies, Azure deployments, and local servers
// (vLLM, Ollama's OpenAI facade) that speak the same wire format.
type OpenAI struct {
	apiBase string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

// OpenAIConfig carries the knobs for an OpenAI-compatible provider.
type OpenAIConfig struct {
	APIBase string // default https://api.openai.com/v1
	APIKey  string
	Model   string
	Dim     int
	Timeout time.Duration
}

// NewOpenAI creates an OpenAI-compatible embedding provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	base := cfg.APIBase
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{
		apiBase: base,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dim:     cfg.Dim,
		client:  &http.Client{Timeout: timeout},
	}
}

func (o *OpenAI) Kind() string    { return "openai-compatible" }
func (o *OpenAI) Dimensions() int { return o.dim }

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openAIEmbedRequest{Input: texts, Model: o.model})
	if err != nil {
		return nil, permanent(fmt.Errorf("embedding: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("embedding: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, transient(fmt.Errorf("embedding: http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(fmt.Errorf("embedding: read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embedding: endpoint returned %d: %s", resp.StatusCode, string(respBody))
		if retryableStatus(resp.StatusCode) {
			return nil, transient(err)
		}
		return nil, permanent(err)
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, permanent(fmt.Errorf("embedding: unmarshal response: %w", err))
	}
	if result.Error != nil {
		return nil, permanent(fmt.Errorf("embedding: api error: %s (%s)", result.Error.Message, result.Error.Type))
	}

	// The API may reorder entries; index restores input order.
	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	for i, v := range vectors {
		if v == nil {
			return nil, permanent(fmt.Errorf("embedding: response missing vector for input %d", i))
		}
	}
	return vectors, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
