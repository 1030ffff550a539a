package detection

import (
	"context"

	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
	"github.com/run-bigpig/llm-guard/pkg/metrics"
	"github.com/run-bigpig/llm-guard/pkg/signatures"
)

// SignatureLayer matches exact known attacks from the signature feed
type SignatureLayer struct {
	set     *signatures.Set
	label   ThreatType
	metrics *metrics.Metrics
}

// SignatureOption configures a SignatureLayer
type SignatureOption func(*SignatureLayer)

// WithSignatureLabel sets the threat type reported for a known attack
func WithSignatureLabel(label ThreatType) SignatureOption {
	return func(s *SignatureLayer) {
		s.label = label
	}
}

// WithSignatureMetrics records lookup results
func WithSignatureMetrics(m *metrics.Metrics) SignatureOption {
	return func(s *SignatureLayer) {
		s.metrics = m
	}
}

// NewSignatureLayer creates a layer over set
func NewSignatureLayer(set *signatures.Set, options ...SignatureOption) *SignatureLayer {
	s := &SignatureLayer{
		set:   set,
		label: ThreatPromptInjection,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Name implements Layer
func (s *SignatureLayer) Name() string {
	return "signature"
}

// Evaluate implements Layer
func (s *SignatureLayer) Evaluate(ctx context.Context, text string) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}

	fp := fingerprint.Of(text)
	result := s.set.Check(fp)
	s.metrics.SignatureCheck(string(result))

	if result != signatures.ResultConfirmed {
		return Signal{
			Source:    s.Name(),
			Severity:  SeverityNone,
			Label:     ThreatNone,
			RawScore:  0,
			Rationale: "no known signature",
		}, nil
	}

	return Signal{
		Source:    s.Name(),
		Severity:  SeverityCritical,
		Label:     s.label,
		RawScore:  1,
		Rationale: "known attack " + fp.Short(),
	}, nil
}
