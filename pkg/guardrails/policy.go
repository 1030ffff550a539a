package guardrails

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInputTooLong is returned when the input exceeds the policy limit
	ErrInputTooLong = errors.New("input too long")
	// ErrCapabilityDenied is returned when a requested capability is not allowed
	ErrCapabilityDenied = errors.New("capability denied")
)

// ValidationError is a policy violation found before any work is scheduled
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return e.Reason.Error() + ": " + e.Detail
}

// Unwrap returns the sentinel reason
func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// SecurityPolicy is the immutable request policy of a pipeline
type SecurityPolicy struct {
	allowed                 map[string]struct{}
	maxInputLength          int
	requireOutputValidation bool
}

// NewSecurityPolicy creates a policy. maxInputLength <= 0 means unlimited.
// Capability names are matched case-insensitively.
func NewSecurityPolicy(allowedCapabilities []string, maxInputLength int, requireOutputValidation bool) *SecurityPolicy {
	allowed := make(map[string]struct{}, len(allowedCapabilities))
	for _, c := range allowedCapabilities {
		if c = normalizeCapability(c); c != "" {
			allowed[c] = struct{}{}
		}
	}
	return &SecurityPolicy{
		allowed:                 allowed,
		maxInputLength:          maxInputLength,
		requireOutputValidation: requireOutputValidation,
	}
}

// AllowedCapabilities returns the allowed capabilities, sorted
func (p *SecurityPolicy) AllowedCapabilities() []string {
	out := make([]string, 0, len(p.allowed))
	for c := range p.allowed {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Allows reports whether capability is allowed
func (p *SecurityPolicy) Allows(capability string) bool {
	_, ok := p.allowed[normalizeCapability(capability)]
	return ok
}

// MaxInputLength returns the input limit in characters
func (p *SecurityPolicy) MaxInputLength() int {
	return p.maxInputLength
}

// RequireOutputValidation reports whether responses go through the output guard
func (p *SecurityPolicy) RequireOutputValidation() bool {
	return p.requireOutputValidation
}

// Enforcer validates requests against a policy
type Enforcer struct {
	policy *SecurityPolicy
}

// NewEnforcer creates an enforcer for policy
func NewEnforcer(policy *SecurityPolicy) *Enforcer {
	return &Enforcer{policy: policy}
}

// Policy returns the enforced policy
func (e *Enforcer) Policy() *SecurityPolicy {
	return e.policy
}

// ValidateRequest checks the input length and the requested capabilities
func (e *Enforcer) ValidateRequest(text string, capabilities []string) error {
	if limit := e.policy.maxInputLength; limit > 0 {
		if n := utf8.RuneCountInString(text); n > limit {
			return &ValidationError{
				Reason: ErrInputTooLong,
				Detail: fmt.Sprintf("%d characters exceeds limit of %d", n, limit),
			}
		}
	}

	var denied []string
	for _, c := range capabilities {
		if !e.policy.Allows(c) {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return &ValidationError{
			Reason: ErrCapabilityDenied,
			Detail: strings.Join(denied, ", "),
		}
	}
	return nil
}

func normalizeCapability(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
