package llm

import (
	"regexp"
	"strings"
)

var fenceRE = regexp.MustCompile("(?s)^```(?:json|JSON)?\\s*\\n?(.*?)\\n?```\\s*$")

// StripCodeFence removes a surrounding markdown code fence from a completion
// payload, if present. The completion service sometimes wraps JSON answers
// in ```json blocks.
func StripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if m := fenceRE.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// LooksTruncatedJSON reports whether a payload that starts like a JSON value
// does not end on a closing brace or bracket. Truncation is reported as a
// warning, never a hard failure.
func LooksTruncatedJSON(content string) bool {
	s := strings.TrimSpace(StripCodeFence(content))
	if s == "" {
		return false
	}
	first := s[0]
	last := s[len(s)-1]
	switch first {
	case '{':
		return last != '}'
	case '[':
		return last != ']'
	default:
		return false
	}
}
