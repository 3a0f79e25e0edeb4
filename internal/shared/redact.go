package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing fragments that show up in commands,
// file paths and approval prompts before they reach logs or the audit trail.
var secretPatterns = []*regexp.Regexp{
	// key=value / key: value pairs with key-like names
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Bearer tokens in Authorization headers (curl -H, httpie, ...)
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Shell env assignments such as GITHUB_TOKEN=... npm publish
	regexp.MustCompile(`\b([A-Z][A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|API_KEY)=)(\S+)`),
	// GitHub personal access tokens
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
	// AWS access key ids
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the prefix group, redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a structured-log attribute name looks like it
// carries a credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
