package guardrails

import (
	"context"
	"fmt"

	"github.com/run-bigpig/llm-guard/pkg/logging"
)

// ScanResult is the outcome of scanning a response
type ScanResult struct {
	Text      string
	Redacted  bool
	Blocked   bool
	Triggered []GuardrailType
}

// OutputScanner runs output guardrails in order over a response
type OutputScanner struct {
	guardrails []Guardrail
	logger     logging.Logger
}

// ScannerOption configures an OutputScanner
type ScannerOption func(*OutputScanner)

// WithGuardrail appends a guardrail
func WithGuardrail(g Guardrail) ScannerOption {
	return func(s *OutputScanner) {
		s.guardrails = append(s.guardrails, g)
	}
}

// WithLogger sets the logger for the scanner
func WithLogger(logger logging.Logger) ScannerOption {
	return func(s *OutputScanner) {
		s.logger = logger
	}
}

// NewOutputScanner creates a scanner. With no guardrails it redacts PII.
func NewOutputScanner(options ...ScannerOption) *OutputScanner {
	s := &OutputScanner{logger: logging.NewNop()}
	for _, option := range options {
		option(s)
	}
	if len(s.guardrails) == 0 {
		s.guardrails = []Guardrail{NewPiiFilter(RedactAction)}
	}
	return s
}

// Scan applies every guardrail. A triggered block guardrail stops the scan.
func (s *OutputScanner) Scan(ctx context.Context, text string) (ScanResult, error) {
	result := ScanResult{Text: text}

	for _, g := range s.guardrails {
		triggered, modified, err := g.CheckResponse(ctx, result.Text)
		if err != nil {
			return ScanResult{}, fmt.Errorf("failed to run %s guardrail: %w", g.Type(), err)
		}
		if !triggered {
			continue
		}

		result.Triggered = append(result.Triggered, g.Type())
		s.logger.Info(ctx, "Output guardrail triggered", map[string]interface{}{
			"guardrail": string(g.Type()),
			"action":    string(g.Action()),
		})

		switch g.Action() {
		case BlockAction:
			result.Blocked = true
			result.Text = ""
			return result, nil
		case RedactAction:
			result.Redacted = result.Redacted || modified != result.Text
			result.Text = modified
		}
	}
	return result, nil
}
