package detection

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/run-bigpig/llm-guard/pkg/interfaces"
)

// benignLabels are classifier labels that mean no threat
var benignLabels = map[string]bool{
	"":       true,
	"NONE":   true,
	"SAFE":   true,
	"BENIGN": true,
	"CLEAN":  true,
	"OK":     true,
}

// ClassifierLayer adapts an external classifier. RawScore is the probability
// of a threat: the confidence for a threat label, its complement otherwise.
type ClassifierLayer struct {
	classifier interfaces.Classifier
	labels     map[string]ThreatType
}

// ClassifierOption configures a ClassifierLayer
type ClassifierOption func(*ClassifierLayer)

// WithLabelMap maps classifier labels onto threat types. Labels not in the
// map go through ParseThreatType.
func WithLabelMap(labels map[string]ThreatType) ClassifierOption {
	return func(c *ClassifierLayer) {
		for label, threat := range labels {
			c.labels[strings.ToUpper(label)] = threat
		}
	}
}

// NewClassifierLayer creates a layer over classifier
func NewClassifierLayer(classifier interfaces.Classifier, options ...ClassifierOption) *ClassifierLayer {
	c := &ClassifierLayer{
		classifier: classifier,
		labels:     make(map[string]ThreatType),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Name implements Layer
func (c *ClassifierLayer) Name() string {
	return "classifier"
}

// Evaluate implements Layer
func (c *ClassifierLayer) Evaluate(ctx context.Context, text string) (Signal, error) {
	result, err := c.classifier.Classify(ctx, text)
	if err != nil {
		return Signal{}, fmt.Errorf("failed to classify: %w", err)
	}

	confidence := clamp01(result.Confidence)
	label := c.threatType(result.Label)
	rationale := fmt.Sprintf("%s labelled %q (%.2f)", c.classifier.Name(), result.Label, confidence)

	if label == ThreatNone {
		return Signal{
			Source:    c.Name(),
			Severity:  SeverityNone,
			Label:     ThreatNone,
			RawScore:  1 - confidence,
			Rationale: rationale,
		}, nil
	}

	return Signal{
		Source:    c.Name(),
		Severity:  clampSeverity(int(math.Round(confidence * SeverityCritical))),
		Label:     label,
		RawScore:  confidence,
		Rationale: rationale,
	}, nil
}

func (c *ClassifierLayer) threatType(label string) ThreatType {
	upper := strings.ToUpper(strings.TrimSpace(label))
	if threat, ok := c.labels[upper]; ok {
		return threat
	}
	if benignLabels[upper] {
		return ThreatNone
	}
	// unrecognized non-benign labels fail closed
	if threat := ParseThreatType(upper); threat != ThreatNone {
		return threat
	}
	return ThreatPromptInjection
}
