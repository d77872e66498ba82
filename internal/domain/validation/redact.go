package validation

import (
	"regexp"
	"strings"
)

// RedactedValue replaces any value judged sensitive.
const RedactedValue = "***REDACTED***"

// sensitiveKeywords lists substrings that indicate a sensitive argument key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey", "cookie",
}

// secretPatterns match secret material embedded in free text such as a shell
// command line. Each match is replaced with its capture group 1 (when
// present) followed by RedactedValue.
var secretPatterns = []*regexp.Regexp{
	// key=value / key: value assignments
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|api[_-]?token|access[_-]?token|auth[_-]?token|secret[_-]?key|client[_-]?secret|password|passwd|pwd|token|secret)["']?\s*[:=]\s*)["']?[^\s"']{4,}["']?`),
	// bearer tokens
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_\-./+=]{8,}`),
	// AWS access key ids
	regexp.MustCompile(`()\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	// GitHub tokens
	regexp.MustCompile(`()\b(?:gh[pousr]_[a-zA-Z0-9]{36}|github_pat_[a-zA-Z0-9_]{50,})\b`),
	// Anthropic / OpenAI style keys
	regexp.MustCompile(`()\bsk-[a-zA-Z0-9_\-]{20,}\b`),
	// JSON Web Tokens
	regexp.MustCompile(`()\beyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	// passwords in URLs
	regexp.MustCompile(`(?i)((?:https?|ftp|postgres(?:ql)?|mysql|redis|mongodb(?:\+srv)?)://[^:/\s]+:)[^@\s]+`),
	// PEM private keys
	regexp.MustCompile(`(?s)()-----BEGIN[ A-Z]*PRIVATE KEY-----.*?-----END[ A-Z]*PRIVATE KEY-----`),
}

// RedactSecrets masks secret material found in text.
func RedactSecrets(text string) string {
	for _, p := range secretPatterns {
		text = p.ReplaceAllString(text, "${1}"+RedactedValue)
	}
	return text
}

// RedactParameters returns a copy of params with sensitive values masked.
// Keys containing a sensitive keyword are replaced wholesale; every other
// string is scanned with RedactSecrets. Nested maps and slices are walked.
func RedactParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	redacted := make(map[string]interface{}, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			redacted[k] = RedactedValue
			continue
		}
		redacted[k] = redactValue(v)
	}
	return redacted
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return RedactSecrets(val)
	case map[string]interface{}:
		return RedactParameters(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
