package bitwarden

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize_CollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "line1 line2 line3", Sanitize("line1\n\tline2   line3"))
}

func TestSanitize_Truncates(t *testing.T) {
	assert.Equal(t, "xxxxxxxxxx...[truncated]", sanitize(strings.Repeat("x", 30), 10))
	assert.Equal(t, strings.Repeat("x", 10), sanitize(strings.Repeat("x", 10), 10))
}

func TestSanitize_DefaultLimit(t *testing.T) {
	out := Sanitize(strings.Repeat("a", 2000))
	assert.Equal(t, MaxDiagnosticLength+len("...[truncated]"), len(out))
}

func TestSanitize_MasksSecrets(t *testing.T) {
	text := "unlock failed: password=super-secret token super-secret session abc123"

	out := Sanitize(text, "super-secret", "abc123")

	assert.NotContains(t, out, "super-secret")
	assert.NotContains(t, out, "abc123")
	assert.Equal(t, 3, strings.Count(out, "***"))
}

func TestSanitize_MasksCredentialPairs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		leak string
	}{
		{name: "key=value", in: "error: password=hunter2 retry", leak: "hunter2"},
		{name: "colon", in: "token: abcdef", leak: "abcdef"},
		{name: "json", in: `{"raw":"c2Vzc2lvbg==","ok":true}`, leak: "c2Vzc2lvbg=="},
		{name: "quoted", in: `secret='a b c'`, leak: "a b c"},
		{name: "query", in: "GET /x?apikey=zzz&x=1", leak: "zzz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Sanitize(tt.in)
			assert.NotContains(t, out, tt.leak)
			assert.Contains(t, out, "***")
		})
	}
}

func TestSanitize_RedactsBeforeTruncating(t *testing.T) {
	secret := strings.Repeat("s", 20)
	out := sanitize("prefix "+secret, 12, secret)
	assert.NotContains(t, out, "sssss")
	assert.Equal(t, "prefix ***", out)
}

func TestSanitize_OverlappingSecrets(t *testing.T) {
	out := Sanitize("value=abc and abcdef", "abc", "abcdef")
	assert.NotContains(t, out, "def")
}
