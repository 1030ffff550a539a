package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

type contextKey string

const (
	// orgIDKey is the context key for the organization ID
	orgIDKey contextKey = "org_id"
)

// MaxOrgIDLength bounds org IDs accepted from request headers
const MaxOrgIDLength = 64

var (
	// ErrNoOrgID is returned when no organization ID is found in the context
	ErrNoOrgID = errors.New("no organization ID found in context")

	// ErrInvalidOrgID is returned for org IDs that cannot be logged or traced as-is
	ErrInvalidOrgID = errors.New("invalid organization ID")

	orgIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// WithOrgID returns a new context with the given organization ID
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDKey, orgID)
}

// GetOrgID returns the organization ID from the context
func GetOrgID(ctx context.Context) (string, error) {
	orgID, ok := ctx.Value(orgIDKey).(string)
	if !ok || orgID == "" {
		return "", ErrNoOrgID
	}
	return orgID, nil
}

// HasOrgID returns true if the context has an organization ID
func HasOrgID(ctx context.Context) bool {
	_, err := GetOrgID(ctx)
	return err == nil
}

// ValidateOrgID checks an org ID taken from an untrusted source. Org IDs end
// up in log fields, span attributes and the OpenAI user field.
func ValidateOrgID(orgID string) error {
	if len(orgID) > MaxOrgIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidOrgID, MaxOrgIDLength)
	}
	if !orgIDPattern.MatchString(orgID) {
		return fmt.Errorf("%w: %q", ErrInvalidOrgID, orgID)
	}
	return nil
}
