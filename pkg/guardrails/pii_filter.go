package guardrails

import (
	"context"
	"regexp"
)

type piiPattern struct {
	name  string
	regex *regexp.Regexp
}

// PiiFilter redacts personal data and credentials from responses. Patterns
// are applied in a fixed order so redaction output is stable.
type PiiFilter struct {
	patterns []piiPattern
	action   Action
}

// NewPiiFilter creates a new PII filter guardrail
func NewPiiFilter(action Action) *PiiFilter {
	patterns := []piiPattern{
		{"private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
		{"api_key", regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_-]{20,}|AKIA[0-9A-Z]{16}|ghp_[A-Za-z0-9]{36}|AIza[0-9A-Za-z_-]{35})\b`)},
		{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{"credit_card", regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)},
		{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{"phone", regexp.MustCompile(`(?:\+\d{1,2}\s)?\(?\b\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
		{"ip_address", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)},
	}

	return &PiiFilter{
		patterns: patterns,
		action:   action,
	}
}

// Type returns the type of guardrail
func (p *PiiFilter) Type() GuardrailType {
	return PiiFilterGuardrail
}

// CheckResponse checks if a response violates the guardrail
func (p *PiiFilter) CheckResponse(ctx context.Context, response string) (bool, string, error) {
	modified := response
	triggered := false

	for _, pattern := range p.patterns {
		if pattern.regex.MatchString(modified) {
			triggered = true
			modified = pattern.regex.ReplaceAllString(modified, "[REDACTED "+pattern.name+"]")
		}
	}

	return triggered, modified, nil
}

// Action returns the action to take when the guardrail is triggered
func (p *PiiFilter) Action() Action {
	return p.action
}
