package guardrails

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequest(t *testing.T) {
	enforcer := NewEnforcer(NewSecurityPolicy([]string{"search", " Summarize "}, 10, true))

	tests := []struct {
		name         string
		text         string
		capabilities []string
		wantErr      error
	}{
		{"within limits", "hello", []string{"search"}, nil},
		{"exactly at limit", "0123456789", nil, nil},
		{"multibyte counted as characters", "héllo wörld", nil, ErrInputTooLong},
		{"too long", "01234567890", nil, ErrInputTooLong},
		{"case insensitive capability", "hi", []string{"SUMMARIZE"}, nil},
		{"denied capability", "hi", []string{"search", "shell"}, ErrCapabilityDenied},
		{"length checked first", "01234567890", []string{"shell"}, ErrInputTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := enforcer.ValidateRequest(tt.text, tt.capabilities)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestValidationErrorDetail(t *testing.T) {
	enforcer := NewEnforcer(NewSecurityPolicy(nil, 0, false))

	err := enforcer.ValidateRequest(strings.Repeat("a", 100000), []string{"shell", "net"})
	require.Error(t, err)
	assert.Equal(t, "capability denied: shell, net", err.Error())
}

func TestSecurityPolicyAccessors(t *testing.T) {
	p := NewSecurityPolicy([]string{"b", "a", ""}, 42, true)
	assert.Equal(t, []string{"a", "b"}, p.AllowedCapabilities())
	assert.Equal(t, 42, p.MaxInputLength())
	assert.True(t, p.RequireOutputValidation())
	assert.True(t, p.Allows("A"))
}

func TestPiiFilterRedacts(t *testing.T) {
	f := NewPiiFilter(RedactAction)

	triggered, out, err := f.CheckResponse(context.Background(),
		"Mail jane.doe@example.com, card 4111 1111 1111 1111, key sk-abcdefghijklmnopqrstuvwxyz123456")
	require.NoError(t, err)

	assert.True(t, triggered)
	assert.Contains(t, out, "[REDACTED email]")
	assert.Contains(t, out, "[REDACTED credit_card]")
	assert.Contains(t, out, "[REDACTED api_key]")
	assert.NotContains(t, out, "jane.doe")

	triggered, out, err = f.CheckResponse(context.Background(), "Paris is the capital of France.")
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.Equal(t, "Paris is the capital of France.", out)
}

func TestContentFilter(t *testing.T) {
	f := NewContentFilter([]string{"secret.project", "darn"}, RedactAction)

	triggered, out, err := f.CheckResponse(context.Background(), "Darn, the secret.project leaked")
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, "****, the **** leaked", out)

	triggered, _, err = f.CheckResponse(context.Background(), "the secretXproject is fine")
	require.NoError(t, err)
	assert.False(t, triggered, "words are matched literally")

	empty := NewContentFilter(nil, RedactAction)
	triggered, _, err = empty.CheckResponse(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestTokenLimit(t *testing.T) {
	limit := NewTokenLimit(3, nil, RedactAction)

	triggered, out, err := limit.CheckResponse(context.Background(), "one two three four five")
	require.NoError(t, err)
	assert.True(t, triggered)
	assert.Equal(t, "one two three ...", out)

	triggered, out, err = limit.CheckResponse(context.Background(), "one two")
	require.NoError(t, err)
	assert.False(t, triggered)
	assert.Equal(t, "one two", out)
}

func TestOutputScanner(t *testing.T) {
	scanner := NewOutputScanner()

	result, err := scanner.Scan(context.Background(), "Contact admin@example.com")
	require.NoError(t, err)
	assert.True(t, result.Redacted)
	assert.False(t, result.Blocked)
	assert.Equal(t, "Contact [REDACTED email]", result.Text)
	assert.Equal(t, []GuardrailType{PiiFilterGuardrail}, result.Triggered)
}

func TestOutputScannerBlockAction(t *testing.T) {
	scanner := NewOutputScanner(
		WithGuardrail(NewContentFilter([]string{"classified"}, BlockAction)),
		WithGuardrail(NewPiiFilter(RedactAction)),
	)

	result, err := scanner.Scan(context.Background(), "this is classified, mail a@b.io")
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Empty(t, result.Text)
	assert.Equal(t, []GuardrailType{ContentFilterGuardrail}, result.Triggered)
}

func TestOutputScannerLogAction(t *testing.T) {
	scanner := NewOutputScanner(WithGuardrail(NewPiiFilter(LogAction)))

	result, err := scanner.Scan(context.Background(), "mail a@b.io")
	require.NoError(t, err)
	assert.Equal(t, "mail a@b.io", result.Text)
	assert.False(t, result.Redacted)
	assert.Equal(t, []GuardrailType{PiiFilterGuardrail}, result.Triggered)
}
