package guardrails

import (
	"context"
	"fmt"
	"strings"
)

// TokenCounter is an interface for counting tokens in text
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// SimpleTokenCounter approximates tokens by whitespace-separated words
type SimpleTokenCounter struct{}

// CountTokens counts tokens in text
func (s *SimpleTokenCounter) CountTokens(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

// TokenLimit truncates responses longer than maxTokens
type TokenLimit struct {
	maxTokens int
	counter   TokenCounter
	action    Action
}

// NewTokenLimit creates a new token limit guardrail
func NewTokenLimit(maxTokens int, counter TokenCounter, action Action) *TokenLimit {
	if counter == nil {
		counter = &SimpleTokenCounter{}
	}

	return &TokenLimit{
		maxTokens: maxTokens,
		counter:   counter,
		action:    action,
	}
}

// Type returns the type of guardrail
func (t *TokenLimit) Type() GuardrailType {
	return TokenLimitGuardrail
}

// CheckResponse checks if a response violates the guardrail
func (t *TokenLimit) CheckResponse(ctx context.Context, response string) (bool, string, error) {
	if t.maxTokens <= 0 {
		return false, response, nil
	}

	tokens, err := t.counter.CountTokens(response)
	if err != nil {
		return false, response, fmt.Errorf("failed to count tokens: %w", err)
	}
	if tokens <= t.maxTokens {
		return false, response, nil
	}

	words := strings.Fields(response)
	if len(words) <= t.maxTokens {
		return true, response, nil
	}
	return true, strings.Join(words[:t.maxTokens], " ") + " ...", nil
}

// Action returns the action to take when the guardrail is triggered
func (t *TokenLimit) Action() Action {
	return t.action
}
