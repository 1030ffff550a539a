package vertex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/retry"
)

// VertexAI model constants
const (
	ModelGemini15Pro   = "gemini-1.5-pro"
	ModelGemini15Flash = "gemini-1.5-flash"
	ModelGemini20Flash = "gemini-2.0-flash"
)

// DefaultModel is the default Vertex AI model
const DefaultModel = ModelGemini20Flash

// Client represents a Vertex AI client
type Client struct {
	client          *genai.Client
	model           string
	projectID       string
	location        string
	maxRetries      int
	retryDelay      time.Duration
	logger          logging.Logger
	credentialsFile string
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithModel sets the model for the client
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithLocation sets the location for the client
func WithLocation(location string) ClientOption {
	return func(c *Client) {
		c.location = location
	}
}

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(maxRetries int) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithRetryDelay sets the initial retry delay
func WithRetryDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCredentialsFile sets the path to the service account credentials file
func WithCredentialsFile(credentialsFile string) ClientOption {
	return func(c *Client) {
		c.credentialsFile = credentialsFile
	}
}

func newClient(projectID string, options ...ClientOption) *Client {
	client := &Client{
		model:      DefaultModel,
		projectID:  projectID,
		location:   "us-central1",
		maxRetries: 3,
		retryDelay: time.Second,
		logger:     logging.NewNop(),
	}
	for _, opt := range options {
		opt(client)
	}
	return client
}

// NewClient creates a new Vertex AI client
func NewClient(ctx context.Context, projectID string, options ...ClientOption) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}

	client := newClient(projectID, options...)

	var clientOptions []option.ClientOption
	if client.credentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(client.credentialsFile))
	}

	vertexClient, err := genai.NewClient(ctx, projectID, client.location, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	client.client = vertexClient
	return client, nil
}

// Name returns the client name
func (c *Client) Name() string {
	return fmt.Sprintf("vertex:%s", c.model)
}

// Generate implements interfaces.LLM.Generate
func (c *Client) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	params := &interfaces.GenerateOptions{
		LLMConfig: &interfaces.LLMConfig{
			Temperature: 0.7,
		},
	}
	for _, option := range options {
		option(params)
	}

	model := c.client.GenerativeModel(c.model)
	configure(model, params)

	var response *genai.GenerateContentResponse
	err := c.executor().Execute(ctx, func() error {
		var genErr error
		response, genErr = model.GenerateContent(ctx, genai.Text(prompt))
		if genErr != nil {
			c.logger.Warn(ctx, "Vertex AI request failed", map[string]interface{}{
				"model": c.model,
				"error": genErr.Error(),
			})
		}
		return genErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	return responseText(response)
}

// configure applies generation options to model
func configure(model *genai.GenerativeModel, params *interfaces.GenerateOptions) {
	if params.SystemMessage != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(params.SystemMessage)},
		}
	}

	if params.LLMConfig != nil {
		temp := float32(params.LLMConfig.Temperature)
		model.Temperature = &temp
		if params.LLMConfig.TopP > 0 {
			topP := float32(params.LLMConfig.TopP)
			model.TopP = &topP
		}
		if len(params.LLMConfig.StopSequences) > 0 {
			model.StopSequences = params.LLMConfig.StopSequences
		}
	}

	if params.ResponseFormat != nil && params.ResponseFormat.Type != interfaces.ResponseFormatText {
		model.ResponseMIMEType = "application/json"
	}
}

func responseText(response *genai.GenerateContentResponse) (string, error) {
	if response == nil || len(response.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := response.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var result strings.Builder
	for _, part := range candidate.Content.Parts {
		if textPart, ok := part.(genai.Text); ok {
			result.WriteString(string(textPart))
		}
	}
	return result.String(), nil
}

func (c *Client) executor() *retry.Executor {
	return retry.NewExecutor(retry.NewPolicy(
		retry.WithMaxAttempts(int32(c.maxRetries+1)),
		retry.WithInitialInterval(c.retryDelay),
		retry.WithMaximumInterval(c.retryDelay*8),
	))
}

// Close closes the Vertex AI client
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
