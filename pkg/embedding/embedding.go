package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
	"github.com/run-bigpig/llm-guard/pkg/retry"
)

// EmbeddingConfig contains configuration options for embedding generation
type EmbeddingConfig struct {
	// Model is the embedding model to use
	Model string

	// Dimensions specifies the dimensionality of the embedding vectors
	// Only supported by some models (e.g., text-embedding-3-*)
	Dimensions int

	// EncodingFormat specifies the format of the embedding vectors
	// Options: "float", "base64"
	EncodingFormat string
}

// DefaultEmbeddingConfig returns a default configuration for embedding generation
func DefaultEmbeddingConfig(model string) EmbeddingConfig {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	return EmbeddingConfig{
		Model:          model,
		EncodingFormat: "float",
	}
}

// OpenAIEmbedder implements embedding generation using OpenAI API
type OpenAIEmbedder struct {
	client        *openai.Client
	config        EmbeddingConfig
	retryExecutor *retry.Executor
}

// Option configures an OpenAIEmbedder
type Option func(*OpenAIEmbedder)

// WithConfig replaces the embedding configuration
func WithConfig(config EmbeddingConfig) Option {
	return func(e *OpenAIEmbedder) {
		if config.Model == "" {
			config.Model = string(openai.SmallEmbedding3)
		}
		e.config = config
	}
}

// WithClient overrides the underlying OpenAI client
func WithClient(client *openai.Client) Option {
	return func(e *OpenAIEmbedder) {
		e.client = client
	}
}

// WithBaseURL points the embedder at an OpenAI-compatible endpoint
func WithBaseURL(apiKey, baseURL string) Option {
	return func(e *OpenAIEmbedder) {
		config := openai.DefaultConfig(apiKey)
		config.BaseURL = baseURL
		e.client = openai.NewClientWithConfig(config)
	}
}

// WithRetry configures retry policy for embedding requests
func WithRetry(opts ...retry.Option) Option {
	return func(e *OpenAIEmbedder) {
		e.retryExecutor = retry.NewExecutor(retry.NewPolicy(opts...))
	}
}

// NewOpenAIEmbedder creates a new OpenAIEmbedder instance
func NewOpenAIEmbedder(apiKey, model string, options ...Option) *OpenAIEmbedder {
	e := &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		config: DefaultEmbeddingConfig(model),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Embed generates an embedding for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.config.Model),
	}

	// Apply configuration options if supported by the model
	if e.config.Dimensions > 0 {
		req.Dimensions = e.config.Dimensions
	}
	if e.config.EncodingFormat != "" {
		req.EncodingFormat = openai.EmbeddingEncodingFormat(e.config.EncodingFormat)
	}
	if orgID, err := multitenancy.GetOrgID(ctx); err == nil {
		req.User = orgID
	}

	var resp openai.EmbeddingResponse
	operation := func() error {
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to create embeddings: %w", err)
		}
		return nil
	}

	var err error
	if e.retryExecutor != nil {
		err = e.retryExecutor.Execute(ctx, operation)
	} else {
		err = operation()
	}
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data returned from API")
	}

	// Sort embeddings by index to ensure correct order
	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		embeddings[data.Index] = data.Embedding
	}
	for i, v := range embeddings {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}

	return embeddings, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, computed
// in float64. Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
