package detection

import (
	"context"
	"errors"
	"strings"
)

// ThreatType identifies the category of a detected threat
type ThreatType string

const (
	ThreatNone               ThreatType = "NONE"
	ThreatPromptInjection    ThreatType = "PROMPT_INJECTION"
	ThreatJailbreak          ThreatType = "JAILBREAK"
	ThreatDataExfiltration   ThreatType = "DATA_EXFILTRATION"
	ThreatOutputHandling     ThreatType = "INSECURE_OUTPUT_HANDLING"
	ThreatResourceExhaustion ThreatType = "RESOURCE_EXHAUSTION"
	ThreatHarmfulContent     ThreatType = "HARMFUL_CONTENT"
)

// ParseThreatType maps a free-form label onto a ThreatType. Unknown labels
// map to ThreatNone.
func ParseThreatType(label string) ThreatType {
	normalized := strings.ToUpper(strings.TrimSpace(label))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)

	switch ThreatType(normalized) {
	case ThreatPromptInjection, ThreatJailbreak, ThreatDataExfiltration,
		ThreatOutputHandling, ThreatResourceExhaustion, ThreatHarmfulContent:
		return ThreatType(normalized)
	}

	switch normalized {
	case "INJECTION":
		return ThreatPromptInjection
	case "EXFILTRATION", "DATA_LEAK", "SYSTEM_PROMPT_LEAK":
		return ThreatDataExfiltration
	case "OUTPUT_HANDLING", "XSS", "CODE_INJECTION":
		return ThreatOutputHandling
	case "DOS", "DENIAL_OF_SERVICE":
		return ThreatResourceExhaustion
	case "HARMFUL", "TOXIC", "UNSAFE":
		return ThreatHarmfulContent
	}
	return ThreatNone
}

// Severity levels on the 0..10 scale used by every layer
const (
	SeverityNone     = 0
	SeverityLow      = 3
	SeverityMedium   = 5
	SeverityHigh     = 8
	SeverityCritical = 10
)

// Signal is one layer's contribution to a verdict
type Signal struct {
	Source    string     `json:"source"`
	Severity  int        `json:"severity"`
	Label     ThreatType `json:"label"`
	RawScore  float64    `json:"raw_score"`
	IsThreat  bool       `json:"is_threat"`
	Rationale string     `json:"rationale,omitempty"`
}

// Verdict is the fused result of all detector layers
type Verdict struct {
	IsThreat   bool       `json:"is_threat"`
	ThreatType ThreatType `json:"threat_type"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Signals    []Signal   `json:"signals"`
}

// Clone returns a copy that shares no memory with v
func (v Verdict) Clone() Verdict {
	out := v
	if v.Signals != nil {
		out.Signals = make([]Signal, len(v.Signals))
		copy(out.Signals, v.Signals)
	}
	return out
}

// Layer is a single detector. Deadlines are carried by ctx; a layer that
// returns an error abstains from the verdict.
type Layer interface {
	Name() string
	Evaluate(ctx context.Context, text string) (Signal, error)
}

// ErrDetectionUnavailable is returned when every configured layer abstained
var ErrDetectionUnavailable = errors.New("detection unavailable: every layer abstained")

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func clampSeverity(s int) int {
	if s < SeverityNone {
		return SeverityNone
	}
	if s > SeverityCritical {
		return SeverityCritical
	}
	return s
}
