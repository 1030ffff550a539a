package audit

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
)

// Rule checks one property of an output. It returns feedback when the
// output fails.
type Rule func(output string) (string, bool)

// NonEmpty rejects blank outputs
func NonEmpty() Rule {
	return func(output string) (string, bool) {
		if strings.TrimSpace(output) == "" {
			return "the answer is empty", false
		}
		return "", true
	}
}

// MaxLength rejects outputs longer than limit characters
func MaxLength(limit int) Rule {
	return func(output string) (string, bool) {
		if n := utf8.RuneCountInString(output); n > limit {
			return fmt.Sprintf("shorten the answer to at most %d characters (it has %d)", limit, n), false
		}
		return "", true
	}
}

// MustContain rejects outputs missing phrase, ignoring case
func MustContain(phrase string) Rule {
	lower := strings.ToLower(phrase)
	return func(output string) (string, bool) {
		if !strings.Contains(strings.ToLower(output), lower) {
			return fmt.Sprintf("include %q", phrase), false
		}
		return "", true
	}
}

// MustNotMatch rejects outputs matching expr. It panics if expr does not
// compile.
func MustNotMatch(expr, feedback string) Rule {
	re := regexp.MustCompile(expr)
	return func(output string) (string, bool) {
		if re.MatchString(output) {
			return feedback, false
		}
		return "", true
	}
}

// RuleAuditor is a deterministic auditor. The requirements argument is
// ignored; the rules are the requirements.
type RuleAuditor struct {
	rules []Rule
}

// NewRuleAuditor creates an auditor that applies rules in order
func NewRuleAuditor(rules ...Rule) *RuleAuditor {
	return &RuleAuditor{rules: rules}
}

// Critique implements interfaces.Auditor. Feedback from every failed rule is
// joined with "; ".
func (a *RuleAuditor) Critique(ctx context.Context, output string, requirements string) (interfaces.Critique, error) {
	var feedback []string
	for _, rule := range a.rules {
		if msg, ok := rule(output); !ok {
			feedback = append(feedback, msg)
		}
	}
	if len(feedback) > 0 {
		return interfaces.Critique{Valid: false, Feedback: strings.Join(feedback, "; ")}, nil
	}
	return interfaces.Critique{Valid: true}, nil
}
