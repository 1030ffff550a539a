package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
	"github.com/run-bigpig/llm-guard/pkg/prompts"
)

// arbiterResponse is the JSON object the arbiter model replies with
type arbiterResponse struct {
	IsThreat   bool    `json:"is_threat"`
	ThreatType string  `json:"threat_type"`
	Confidence float64 `json:"confidence"`
	Severity   *int    `json:"severity,omitempty"`
	Rationale  string  `json:"rationale"`
}

var arbiterSchema = interfaces.ResponseFormat{
	Type: interfaces.ResponseFormatJSON,
	Name: "threat_verdict",
	Schema: interfaces.JSONSchema{
		"type": "object",
		"properties": map[string]interface{}{
			"is_threat":   map[string]interface{}{"type": "boolean"},
			"threat_type": map[string]interface{}{"type": "string"},
			"confidence":  map[string]interface{}{"type": "number"},
			"severity":    map[string]interface{}{"type": "integer"},
			"rationale":   map[string]interface{}{"type": "string"},
		},
		"required":             []string{"is_threat", "threat_type", "confidence", "severity", "rationale"},
		"additionalProperties": false,
	},
}

// ArbiterLayer asks an LLM to judge the text. It is the costly layer the
// engine escalates to on disagreement.
type ArbiterLayer struct {
	llm     interfaces.LLM
	prompts *prompts.PromptCache
}

// ArbiterOption configures an ArbiterLayer
type ArbiterOption func(*ArbiterLayer)

// WithPromptCache shares a prompt cache with other prompt builders
func WithPromptCache(cache *prompts.PromptCache) ArbiterOption {
	return func(a *ArbiterLayer) {
		a.prompts = cache
	}
}

// NewArbiterLayer creates an arbiter over llm
func NewArbiterLayer(llm interfaces.LLM, options ...ArbiterOption) *ArbiterLayer {
	a := &ArbiterLayer{llm: llm}
	for _, option := range options {
		option(a)
	}
	if a.prompts == nil {
		a.prompts = prompts.NewPromptCache(1024)
	}
	return a
}

// Name implements Layer
func (a *ArbiterLayer) Name() string {
	return "arbiter"
}

// Evaluate implements Layer
func (a *ArbiterLayer) Evaluate(ctx context.Context, text string) (Signal, error) {
	system, err := prompts.ArbiterTemplate.Render(nil)
	if err != nil {
		return Signal{}, err
	}

	prompt, err := a.prompts.Compose(ctx, map[string]prompts.Section{
		"candidate": {Content: text, Trust: prompts.TrustDerived},
	})
	if err != nil {
		return Signal{}, err
	}

	reply, err := a.llm.Generate(ctx, prompt,
		interfaces.WithSystemMessage(system),
		interfaces.WithTemperature(0),
		interfaces.WithResponseFormat(arbiterSchema),
	)
	if err != nil {
		return Signal{}, fmt.Errorf("failed to query arbiter: %w", err)
	}

	return a.parse(reply)
}

func (a *ArbiterLayer) parse(reply string) (Signal, error) {
	var resp arbiterResponse
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &resp); err != nil {
		return Signal{}, fmt.Errorf("failed to parse arbiter reply: %w", err)
	}

	confidence := clamp01(resp.Confidence)
	rationale := strings.TrimSpace(resp.Rationale)
	if rationale == "" {
		rationale = a.llm.Name()
	}

	if !resp.IsThreat {
		return Signal{
			Source:    a.Name(),
			Severity:  SeverityNone,
			Label:     ThreatNone,
			RawScore:  1 - confidence,
			Rationale: rationale,
		}, nil
	}

	severity := int(math.Round(confidence * SeverityCritical))
	if resp.Severity != nil {
		severity = *resp.Severity
	}
	label := ParseThreatType(resp.ThreatType)
	if label == ThreatNone {
		label = ThreatPromptInjection
	}

	return Signal{
		Source:    a.Name(),
		Severity:  clampSeverity(severity),
		Label:     label,
		RawScore:  confidence,
		Rationale: rationale,
	}, nil
}

// stripCodeFence removes a markdown code fence some models wrap JSON in
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
