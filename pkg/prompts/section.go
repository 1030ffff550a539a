package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// Section is one labeled piece of a composed prompt
type Section struct {
	Name    string     `json:"name"`
	Content string     `json:"content"`
	Trust   TrustLevel `json:"trust"`
}

// untrustedEscaper keeps user and derived content from closing its own
// section delimiter or opening a new one
var untrustedEscaper = strings.NewReplacer("<", "&lt;", ">", "&gt;")

// Compose renders sections ordered by ascending trust rank, then by name.
// Map keys name sections whose Name is empty.
func Compose(sections map[string]Section) string {
	ordered := make([]Section, 0, len(sections))
	for key, section := range sections {
		if section.Name == "" {
			section.Name = key
		}
		ordered = append(ordered, section)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Trust != ordered[j].Trust {
			return ordered[i].Trust < ordered[j].Trust
		}
		return ordered[i].Name < ordered[j].Name
	})

	var sb strings.Builder
	for i, section := range ordered {
		if i > 0 {
			sb.WriteString("\n")
		}
		content := section.Content
		if section.Trust >= TrustUser {
			content = untrustedEscaper.Replace(content)
		}
		fmt.Fprintf(&sb, "<section name=%q trust=%q>\n%s\n</section>\n", section.Name, section.Trust.String(), content)
	}
	return sb.String()
}

// Digestible returns the map hashed by the prompt cache. Trust labels are
// part of the key so the same text at a different level never collides.
func Digestible(sections map[string]Section) map[string]string {
	out := make(map[string]string, len(sections))
	for key, section := range sections {
		out[key] = section.Trust.String() + "\x00" + section.Name + "\x00" + section.Content
	}
	return out
}
