// Package guardrails holds the request policy gate and the output scanners
// applied to a response before it leaves the pipeline.
package guardrails

import "context"

// GuardrailType identifies an output guardrail
type GuardrailType string

const (
	// PiiFilterGuardrail redacts personal data and credentials
	PiiFilterGuardrail GuardrailType = "pii_filter"
	// ContentFilterGuardrail masks blocked words
	ContentFilterGuardrail GuardrailType = "content_filter"
	// TokenLimitGuardrail truncates oversized output
	TokenLimitGuardrail GuardrailType = "token_limit"
)

// Action is what the scanner does when a guardrail triggers
type Action string

const (
	// RedactAction keeps the modified text
	RedactAction Action = "redact"
	// BlockAction withholds the whole response
	BlockAction Action = "block"
	// LogAction records the trigger and keeps the original text
	LogAction Action = "log"
)

// Guardrail inspects and possibly rewrites a response
type Guardrail interface {
	// Type returns the type of guardrail
	Type() GuardrailType

	// CheckResponse reports whether response triggered the guardrail and
	// returns the rewritten text
	CheckResponse(ctx context.Context, response string) (bool, string, error)

	// Action returns the action to take when the guardrail is triggered
	Action() Action
}
