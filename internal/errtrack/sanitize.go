package errtrack

import (
	"regexp"
	"unicode/utf8"
)

const (
	redacted         = "[REDACTED]"
	MaxMessageLength = 500
)

var (
	credentialPair = regexp.MustCompile(
		`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key|secret[_-]?key|authorization)(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s&,;]+)`,
	)
	bearerToken  = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`)
	urlPassword  = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://[^:/\s@]+:)[^@/\s]+@`)
	providerKey  = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)
	awsAccessKey = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
)

// Sanitize redacts credentials from an error message and bounds its length
// so it can be stored on a call record or shipped to an alert channel.
func Sanitize(message string) string {
	message = urlPassword.ReplaceAllString(message, "${1}"+redacted+"@")
	message = bearerToken.ReplaceAllString(message, "Bearer "+redacted)
	message = credentialPair.ReplaceAllString(message, "${1}${2}"+redacted)
	message = providerKey.ReplaceAllString(message, redacted)
	message = awsAccessKey.ReplaceAllString(message, redacted)

	return Truncate(message, MaxMessageLength)
}

// Truncate cuts s to at most limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	runes := []rune(s)

	return string(runes[:limit]) + "..."
}
