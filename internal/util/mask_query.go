package util

import (
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// isSensitiveKey reports whether a query parameter name looks like it
// carries a credential.
func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(k, "authorization"),
		strings.Contains(k, "cookie"),
		strings.Contains(k, "api_key"),
		strings.Contains(k, "apikey"),
		strings.Contains(k, "secret"),
		strings.Contains(k, "token"),
		strings.Contains(k, "password"):
		return true
	default:
		return false
	}
}

// MaskSensitiveQuery redacts sensitive query-string values (api keys, tokens,
// secrets) before a URL is written to a log line.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	changed := false
	for key := range values {
		if isSensitiveKey(key) {
			values[key] = []string{redactedValue}
			changed = true
		}
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}
