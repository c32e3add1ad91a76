package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Bedrock embeds through AWS Bedrock's InvokeModel API. The request shape
// follows the Titan text embedding models (amazon.titan-embed-text-v2:0),
// which accept one input per invocation, so batches fan out into
// sequential calls.
type Bedrock struct {
	client  *bedrockruntime.Client
	modelID string
	dim     int
}

// BedrockConfig carries the knobs for a Bedrock provider. Region and
// credentials resolve through the default AWS config chain when empty.
type BedrockConfig struct {
	Region  string
	ModelID string
	Dim     int
}

// NewBedrock creates a Bedrock embedding provider.
func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("embedding: load aws config: %w", err)
	}
	return &Bedrock{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.ModelID,
		dim:     cfg.Dim,
	}, nil
}

func (b *Bedrock) Kind() string    { return "bedrock" }
func (b *Bedrock) Dimensions() int { return b.dim }

type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (b *Bedrock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := b.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (b *Bedrock) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbedRequest{
		InputText:  text,
		Dimensions: b.dim,
		Normalize:  true,
	})
	if err != nil {
		return nil, permanent(fmt.Errorf("embedding: marshal request: %w", err))
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		err = fmt.Errorf("embedding: bedrock invoke: %w", err)
		if retryableBedrockErr(err) {
			return nil, transient(err)
		}
		return nil, permanent(err)
	}

	var result titanEmbedResponse
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, permanent(fmt.Errorf("embedding: unmarshal response: %w", err))
	}
	return result.Embedding, nil
}

func retryableBedrockErr(err error) bool {
	var throttle *types.ThrottlingException
	var unavailable *types.ServiceUnavailableException
	var internal *types.InternalServerException
	var timeout *types.ModelTimeoutException
	return errors.As(err, &throttle) ||
		errors.As(err, &unavailable) ||
		errors.As(err, &internal) ||
		errors.As(err, &timeout)
}
