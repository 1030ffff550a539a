package guardrails

import (
	"context"
	"regexp"
	"strings"
)

// ContentFilter masks blocked words in responses
type ContentFilter struct {
	blockedWords []string
	action       Action
	regex        *regexp.Regexp
}

// NewContentFilter creates a new content filter guardrail. An empty word
// list yields a filter that never triggers.
func NewContentFilter(blockedWords []string, action Action) *ContentFilter {
	var quoted []string
	for _, word := range blockedWords {
		if word = strings.TrimSpace(word); word != "" {
			quoted = append(quoted, regexp.QuoteMeta(word))
		}
	}

	c := &ContentFilter{
		blockedWords: blockedWords,
		action:       action,
	}
	if len(quoted) > 0 {
		c.regex = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	}
	return c
}

// Type returns the type of guardrail
func (c *ContentFilter) Type() GuardrailType {
	return ContentFilterGuardrail
}

// CheckResponse checks if a response violates the guardrail
func (c *ContentFilter) CheckResponse(ctx context.Context, response string) (bool, string, error) {
	if c.regex != nil && c.regex.MatchString(response) {
		modified := c.regex.ReplaceAllString(response, "****")
		return true, modified, nil
	}
	return false, response, nil
}

// Action returns the action to take when the guardrail is triggered
func (c *ContentFilter) Action() Action {
	return c.action
}
