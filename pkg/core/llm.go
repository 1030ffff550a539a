// Package core provides protected application logic for the trust pipeline:
// a chat model behind trust-labeled prompts, or a tool on an MCP server.
package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/logging"
	"github.com/run-bigpig/llm-guard/pkg/multitenancy"
	"github.com/run-bigpig/llm-guard/pkg/prompts"
)

const (
	// DefaultInstructions is the system instruction of the LLM core
	DefaultInstructions = "You are a helpful assistant. Answer the request in the USER section."

	revisionNote = "A reviewer rejected your previous answer. Address the notes in the DERIVED section and answer again."
)

// LLMCore answers requests with a chat model
type LLMCore struct {
	llm          interfaces.LLM
	instructions string
	prompts      *prompts.PromptCache
	temperature  *float64
	logger       logging.Logger
}

// LLMOption configures an LLMCore
type LLMOption func(*LLMCore)

// WithInstructions sets the system instruction
func WithInstructions(instructions string) LLMOption {
	return func(c *LLMCore) {
		c.instructions = instructions
	}
}

// WithPromptCache shares a prompt cache with other components
func WithPromptCache(cache *prompts.PromptCache) LLMOption {
	return func(c *LLMCore) {
		c.prompts = cache
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(temperature float64) LLMOption {
	return func(c *LLMCore) {
		c.temperature = &temperature
	}
}

// WithLogger sets the logger for the core
func WithLogger(logger logging.Logger) LLMOption {
	return func(c *LLMCore) {
		c.logger = logger
	}
}

// NewLLMCore creates an LLM-backed core
func NewLLMCore(llm interfaces.LLM, options ...LLMOption) *LLMCore {
	c := &LLMCore{
		llm:          llm,
		instructions: DefaultInstructions,
		logger:       logging.NewNop(),
	}
	for _, option := range options {
		option(c)
	}
	if c.prompts == nil {
		c.prompts = prompts.NewPromptCache(256)
	}
	return c
}

// Execute implements interfaces.CoreExecutor. The client input is a USER
// section and the auditor's guidance a DERIVED one, so neither can override
// the system instruction.
func (c *LLMCore) Execute(ctx context.Context, req interfaces.CoreRequest) (string, error) {
	system, err := prompts.CoreTemplate.Render(map[string]interface{}{
		"Instructions": c.instructions,
		"Capabilities": strings.Join(req.Capabilities, ", "),
	})
	if err != nil {
		return "", err
	}

	sections := map[string]prompts.Section{
		"request": {Name: "request", Content: req.Input, Trust: prompts.TrustUser},
	}
	if req.Guidance != "" {
		sections["review"] = prompts.Section{Name: "review", Content: req.Guidance, Trust: prompts.TrustDerived}
		system += "\n" + revisionNote
	}

	prompt, err := c.prompts.Compose(ctx, sections)
	if err != nil {
		return "", fmt.Errorf("failed to compose prompt: %w", err)
	}

	options := []interfaces.GenerateOption{interfaces.WithSystemMessage(system)}
	if c.temperature != nil {
		options = append(options, interfaces.WithTemperature(*c.temperature))
	}
	if orgID, err := multitenancy.GetOrgID(ctx); err == nil {
		options = append(options, interfaces.WithOrgID(orgID))
	}

	c.logger.Debug(ctx, "Executing LLM core", map[string]interface{}{
		"llm":      c.llm.Name(),
		"attempt":  req.Attempt,
		"revision": req.Guidance != "",
	})

	out, err := c.llm.Generate(ctx, prompt, options...)
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}
	return out, nil
}
