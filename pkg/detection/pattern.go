package detection

import (
	"context"
	"fmt"
	"regexp"
)

// Pattern is one entry of the regex baseline catalogue
type Pattern struct {
	Name     string
	Regex    *regexp.Regexp
	Severity int
	Label    ThreatType
}

// MustPattern compiles a catalogue entry
func MustPattern(name, expr string, severity int, label ThreatType) Pattern {
	return Pattern{
		Name:     name,
		Regex:    regexp.MustCompile(expr),
		Severity: clampSeverity(severity),
		Label:    label,
	}
}

// DefaultPatterns returns the built-in baseline catalogue
func DefaultPatterns() []Pattern {
	return []Pattern{
		MustPattern("ignore_instructions",
			`(?i)\b(?:ignore|forget|disregard|skip|override)\s+(?:all\s+|any\s+|the\s+|your\s+)?(?:previous|prior|above|earlier|preceding|original)?\s*(?:instructions?|prompts?|rules?|directives?|guidelines?)\b`,
			9, ThreatPromptInjection),
		MustPattern("system_prompt_leak",
			`(?i)\b(?:show|reveal|print|display|repeat|leak|output|tell)\s+(?:me\s+|us\s+)?(?:the\s+|your\s+)?(?:system\s+prompt|hidden\s+instructions|initial\s+instructions|original\s+prompt)`,
			8, ThreatDataExfiltration),
		MustPattern("dan",
			`\bDAN\b|(?i:\bdo\s+anything\s+now\b)`,
			9, ThreatJailbreak),
		MustPattern("privileged_mode",
			`(?i)\b(?:developer|god|jailbreak|unrestricted)\s+mode\b`,
			8, ThreatJailbreak),
		MustPattern("bypass_safety",
			`(?i)\b(?:bypass|disable|turn\s+off|ignore)\s+(?:your\s+|all\s+|the\s+)?(?:safety|content|ethical)\s*(?:filters?|guidelines|restrictions|guardrails|polic(?:y|ies))`,
			8, ThreatJailbreak),
		MustPattern("role_manipulation",
			`(?i)\b(?:pretend|act\s+as\s+if)\s+(?:you\s+are|to\s+be|you\s+have)\s+(?:an?\s+)?(?:unrestricted|unfiltered|evil|no\s+restrictions|without\s+(?:rules|restrictions|limits))`,
			6, ThreatJailbreak),
		MustPattern("new_instructions",
			`(?i)\b(?:new|updated|real)\s+instructions\s*:`,
			6, ThreatPromptInjection),
		MustPattern("you_are_now",
			`(?i)\byou\s+are\s+now\s+(?:a|an|the|my)\b`,
			5, ThreatPromptInjection),
		MustPattern("credential_exfil",
			`(?i)\b(?:send|post|upload|exfiltrate|forward)\b.{0,60}\b(?:api\s*keys?|passwords?|credentials|secrets?|tokens?)\b`,
			7, ThreatDataExfiltration),
		MustPattern("markdown_image_exfil",
			`(?i)!\[[^\]]*\]\(\s*https?://[^)\s]+\?[^)\s]*=`,
			8, ThreatDataExfiltration),
		MustPattern("script_tag",
			`(?i)<\s*script\b`,
			8, ThreatOutputHandling),
		MustPattern("javascript_uri",
			`(?i)\bjavascript\s*:`,
			7, ThreatOutputHandling),
		MustPattern("event_handler",
			`(?i)<[^>]+\bon(?:error|load|click|mouseover)\s*=`,
			6, ThreatOutputHandling),
		MustPattern("sql_injection",
			`(?i)(?:'\s*or\s+'?1'?\s*=\s*'?1|;\s*drop\s+table\b|\bunion\s+(?:all\s+)?select\b)`,
			7, ThreatOutputHandling),
		MustPattern("command_injection",
			`(?i)(?:;|&&|\|)\s*(?:rm\s+-rf|curl|wget|nc|bash\s+-c)\b`,
			7, ThreatOutputHandling),
		MustPattern("unbounded_repetition",
			`(?i)\b(?:repeat|print|write|say)\b.{0,60}\b(?:forever|infinitely|indefinitely|\d{4,}\s+times|(?:a\s+)?(?:million|billion)\s+times)`,
			6, ThreatResourceExhaustion),
	}
}

// PatternLayer is the regex baseline. Its signal is the highest-severity
// match; ties go to catalogue order.
type PatternLayer struct {
	patterns []Pattern
}

// NewPatternLayer creates the baseline. With no patterns the default
// catalogue is used.
func NewPatternLayer(patterns ...Pattern) *PatternLayer {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &PatternLayer{patterns: patterns}
}

// Name implements Layer
func (p *PatternLayer) Name() string {
	return "pattern"
}

// Evaluate implements Layer
func (p *PatternLayer) Evaluate(ctx context.Context, text string) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}

	var best *Pattern
	matches := 0
	for i := range p.patterns {
		pattern := &p.patterns[i]
		if !pattern.Regex.MatchString(text) {
			continue
		}
		matches++
		if best == nil || pattern.Severity > best.Severity {
			best = pattern
		}
	}

	if best == nil {
		return Signal{
			Source:    p.Name(),
			Severity:  SeverityNone,
			Label:     ThreatNone,
			RawScore:  0,
			Rationale: "no pattern matched",
		}, nil
	}

	return Signal{
		Source:    p.Name(),
		Severity:  best.Severity,
		Label:     best.Label,
		RawScore:  float64(best.Severity) / SeverityCritical,
		Rationale: fmt.Sprintf("matched %s (%d of %d patterns)", best.Name, matches, len(p.patterns)),
	}, nil
}
