package openai

import (
	"context"
	"fmt"
	"math"

	"github.com/sashabaranov/go-openai"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
	"github.com/run-bigpig/llm-guard/pkg/retry"
)

// OpenAIClient implements the LLM interface for OpenAI
type OpenAIClient struct {
	Client        *openai.Client
	Model         string
	logger        logging.Logger
	retryExecutor *retry.Executor
}

// Option represents an option for configuring the OpenAI client
type Option func(*OpenAIClient)

// WithModel sets the model for the OpenAI client
func WithModel(model string) Option {
	return func(c *OpenAIClient) {
		c.Model = model
	}
}

// WithLogger sets the logger for the OpenAI client
func WithLogger(logger logging.Logger) Option {
	return func(c *OpenAIClient) {
		c.logger = logger
	}
}

// WithRetry configures retry policy for the client
func WithRetry(opts ...retry.Option) Option {
	return func(c *OpenAIClient) {
		c.retryExecutor = retry.NewExecutor(retry.NewPolicy(opts...))
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint
func WithBaseURL(apiKey, baseURL string) Option {
	return func(c *OpenAIClient) {
		config := openai.DefaultConfig(apiKey)
		config.BaseURL = baseURL
		c.Client = openai.NewClientWithConfig(config)
	}
}

// NewClient creates a new OpenAI client
func NewClient(apiKey string, options ...Option) *OpenAIClient {
	client := &OpenAIClient{
		Client: openai.NewClient(apiKey),
		Model:  "gpt-4o-mini",
		logger: logging.NewNop(),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Generate generates text from a prompt
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, options ...interfaces.GenerateOption) (string, error) {
	params := &interfaces.GenerateOptions{
		LLMConfig: &interfaces.LLMConfig{
			Temperature: 0.7,
		},
	}
	for _, option := range options {
		option(params)
	}
	if params.OrgID == "" {
		params.OrgID, _ = multitenancy.GetOrgID(ctx)
	}

	messages := []openai.ChatCompletionMessage{}
	if params.SystemMessage != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: params.SystemMessage,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    c.Model,
		Messages: messages,
		User:     params.OrgID,
	}

	if params.LLMConfig != nil {
		req.Temperature = float32(params.LLMConfig.Temperature)
		// A zero temperature is dropped by omitempty and the API would apply its default
		if req.Temperature == 0 {
			req.Temperature = math.SmallestNonzeroFloat32
		}
		req.TopP = float32(params.LLMConfig.TopP)
		req.FrequencyPenalty = float32(params.LLMConfig.FrequencyPenalty)
		req.PresencePenalty = float32(params.LLMConfig.PresencePenalty)
		req.Stop = params.LLMConfig.StopSequences
	}

	if params.ResponseFormat != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   params.ResponseFormat.Name,
				Schema: params.ResponseFormat.Schema,
			},
		}
	}

	var resp openai.ChatCompletionResponse
	operation := func() error {
		c.logger.Debug(ctx, "Executing OpenAI API request", map[string]interface{}{
			"model":           c.Model,
			"temperature":     req.Temperature,
			"messages":        len(req.Messages),
			"response_format": req.ResponseFormat != nil,
		})

		var err error
		resp, err = c.Client.CreateChatCompletion(ctx, req)
		if err != nil {
			c.logger.Error(ctx, "Error from OpenAI API", map[string]interface{}{
				"error": err.Error(),
				"model": c.Model,
			})
			return fmt.Errorf("failed to generate text: %w", err)
		}
		return nil
	}

	var err error
	if c.retryExecutor != nil {
		err = c.retryExecutor.Execute(ctx, operation)
	} else {
		err = operation()
	}
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI API")
	}
	return resp.Choices[0].Message.Content, nil
}

// Name implements interfaces.LLM.Name
func (c *OpenAIClient) Name() string {
	return "openai"
}
