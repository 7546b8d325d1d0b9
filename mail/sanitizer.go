package mail

import (
	"regexp"
	"strings"
)

// SanitizeRemark bounds and redacts error text before it is stored in the
// remark column: secrets are masked, control characters collapse to a single
// line, and the result is truncated.
const maxRemarkLength = 512

const remarkTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

type sensitiveDataPattern struct {
	pattern     *regexp.Regexp
	replacement string
}

var sensitiveRemarkPatterns = []sensitiveDataPattern{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
}

var remarkWhitespacePattern = regexp.MustCompile(`[\r\n\t]+`)

// SanitizeRemarkError renders an error for remark storage; nil yields "".
func SanitizeRemarkError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeRemark(err.Error())
}

// SanitizeRemark redacts sensitive values, collapses the message to a single
// line, and enforces a bounded length.
func SanitizeRemark(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, matcher := range sensitiveRemarkPatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	redacted = remarkWhitespacePattern.ReplaceAllString(redacted, " ")

	return truncateRemark(redacted, maxRemarkLength, remarkTruncatedSuffix)
}

func truncateRemark(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	trimmed := string(runes[:maxRunes-len(suffixRunes)])

	return trimmed + suffix
}
