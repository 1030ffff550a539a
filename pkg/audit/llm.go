// Package audit critiques core output against task requirements.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/prompts"
)

type critiqueResponse struct {
	Valid    bool   `json:"valid"`
	Feedback string `json:"feedback"`
}

var critiqueSchema = interfaces.ResponseFormat{
	Type: interfaces.ResponseFormatJSON,
	Name: "critique",
	Schema: interfaces.JSONSchema{
		"type": "object",
		"properties": map[string]interface{}{
			"valid":    map[string]interface{}{"type": "boolean"},
			"feedback": map[string]interface{}{"type": "string"},
		},
		"required":             []string{"valid", "feedback"},
		"additionalProperties": false,
	},
}

// LLMAuditor asks a chat model whether an output meets the requirements
type LLMAuditor struct {
	llm     interfaces.LLM
	prompts *prompts.PromptCache
}

// Option configures an LLMAuditor
type Option func(*LLMAuditor)

// WithPromptCache shares a prompt cache with other prompt builders
func WithPromptCache(cache *prompts.PromptCache) Option {
	return func(a *LLMAuditor) {
		a.prompts = cache
	}
}

// NewLLMAuditor creates an auditor over llm
func NewLLMAuditor(llm interfaces.LLM, options ...Option) *LLMAuditor {
	a := &LLMAuditor{llm: llm}
	for _, option := range options {
		option(a)
	}
	if a.prompts == nil {
		a.prompts = prompts.NewPromptCache(256)
	}
	return a
}

// Critique implements interfaces.Auditor. The requirements are operator
// supplied and the output is model derived.
func (a *LLMAuditor) Critique(ctx context.Context, output string, requirements string) (interfaces.Critique, error) {
	system, err := prompts.AuditorTemplate.Render(nil)
	if err != nil {
		return interfaces.Critique{}, err
	}

	sections := map[string]prompts.Section{
		"output": {Content: output, Trust: prompts.TrustDerived},
	}
	if requirements != "" {
		sections["requirements"] = prompts.Section{Content: requirements, Trust: prompts.TrustVerified}
	}
	prompt, err := a.prompts.Compose(ctx, sections)
	if err != nil {
		return interfaces.Critique{}, err
	}

	reply, err := a.llm.Generate(ctx, prompt,
		interfaces.WithSystemMessage(system),
		interfaces.WithTemperature(0),
		interfaces.WithResponseFormat(critiqueSchema),
	)
	if err != nil {
		return interfaces.Critique{}, fmt.Errorf("failed to query auditor: %w", err)
	}

	var resp critiqueResponse
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &resp); err != nil {
		return interfaces.Critique{}, fmt.Errorf("failed to parse auditor reply: %w", err)
	}

	feedback := strings.TrimSpace(resp.Feedback)
	if !resp.Valid && feedback == "" {
		feedback = "output does not meet the requirements"
	}
	return interfaces.Critique{Valid: resp.Valid, Feedback: feedback}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
