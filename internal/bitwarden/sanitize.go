package bitwarden

import (
	"regexp"
	"sort"
	"strings"
)

const (
	// MaxDiagnosticLength bounds any target output carried in an error or log line.
	MaxDiagnosticLength = 500

	redactedMask   = "***"
	truncateMarker = "...[truncated]"
)

var credentialPattern = regexp.MustCompile(`(?i)("?\b(?:password|passwd|passphrase|token|secret|session|api_?key|key|raw)"?\s*[:=]\s*)("[^"]*"|'[^']*'|[^\s,;&}"']+)`)

// Sanitize makes target output safe for logs and errors: known secrets and
// credential-shaped key=value pairs are masked, whitespace is collapsed and the
// result is truncated to MaxDiagnosticLength characters.
func Sanitize(text string, secrets ...string) string {
	return sanitize(text, MaxDiagnosticLength, secrets...)
}

func sanitize(text string, maxLen int, secrets ...string) string {
	ordered := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			ordered = append(ordered, s)
		}
	}
	// Longer secrets first so that one secret containing another is fully masked.
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })
	for _, s := range ordered {
		text = strings.ReplaceAll(text, s, redactedMask)
	}

	text = credentialPattern.ReplaceAllString(text, "${1}"+redactedMask)
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if maxLen > 0 && len(runes) > maxLen {
		return string(runes[:maxLen]) + truncateMarker
	}
	return text
}
