// Package fingerprint derives the canonical content digests used as cache
// and deduplication keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint is the hex encoded SHA-256 digest of normalized content
type Fingerprint string

// Short returns an abbreviated form suitable for log fields
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// String implements fmt.Stringer
func (f Fingerprint) String() string {
	return string(f)
}

// Normalize returns the canonical form of text: NFKC, trimmed, with every
// whitespace run collapsed to a single space.
func Normalize(text string) string {
	text = norm.NFKC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Of returns the fingerprint of text
func Of(text string) Fingerprint {
	return digest([]byte(Normalize(text)))
}

// OfSections returns the fingerprint of a labeled section map. encoding/json
// writes map keys in sorted order, so insertion order never matters.
func OfSections(sections map[string]string) (Fingerprint, error) {
	return OfValue(sections)
}

// OfValue fingerprints the canonical JSON encoding of v
func OfValue(v interface{}) (Fingerprint, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize sections: %w", err)
	}
	return digest(data), nil
}

func digest(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}
