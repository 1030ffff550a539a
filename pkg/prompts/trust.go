package prompts

import (
	"fmt"
	"strings"
)

// TrustLevel ranks the provenance of text entering a composed prompt. Lower
// ranks are more trusted.
type TrustLevel int

const (
	// TrustSystem is operator-authored instruction text
	TrustSystem TrustLevel = iota
	// TrustVerified is content that passed the guard
	TrustVerified
	// TrustUser is raw client input
	TrustUser
	// TrustDerived is text produced by a model, including auditor critiques
	TrustDerived
)

var trustNames = [...]string{"SYSTEM", "VERIFIED", "USER", "DERIVED"}

// String returns the level name
func (t TrustLevel) String() string {
	if t < TrustSystem || t > TrustDerived {
		return fmt.Sprintf("TrustLevel(%d)", int(t))
	}
	return trustNames[t]
}

// Rank returns the numeric rank of the level
func (t TrustLevel) Rank() int {
	return int(t)
}

// CanInfluence reports whether text at level t may shape text at level other
func (t TrustLevel) CanInfluence(other TrustLevel) bool {
	return t <= other
}

// MarshalText implements encoding.TextMarshaler
func (t TrustLevel) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *TrustLevel) UnmarshalText(text []byte) error {
	level, err := ParseTrustLevel(string(text))
	if err != nil {
		return err
	}
	*t = level
	return nil
}

// ParseTrustLevel parses a level name, case-insensitively
func ParseTrustLevel(name string) (TrustLevel, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range trustNames {
		if n == upper {
			return TrustLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trust level: %q", name)
}
