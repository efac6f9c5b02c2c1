package securebus

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "apikey", "api_key",
	"authorization", "card", "cvv", "ssn",
}

// key=value, key: value and "key":"value" forms.
var sensitiveValueRe = regexp.MustCompile(
	`(?i)("?\b(?:password|passwd|secret|token|api[_-]?key|authorization|card(?:_?number)?|cvv|ssn)"?\s*[:=]\s*"?)([^\s",}&]+)`)

// redact masks values that follow sensitive keys in a message.
func redact(msg string) string {
	return sensitiveValueRe.ReplaceAllString(msg, "${1}"+redacted)
}

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// redactPayload returns a copy of a JSON tree with sensitive fields masked.
func redactPayload(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if sensitiveKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = redactPayload(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = redactPayload(child)
		}
		return out
	case string:
		return redact(val)
	default:
		return v
	}
}
