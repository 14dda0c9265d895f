// Package redact strips sensitive values from log lines and from the record
// snapshots stored in the audit trail.
//
// Plain one-time codes, password hashes and bearer tokens must never reach
// the audit_log table or a log line. Snapshot scrubbing works on key names;
// String works on known values and is best-effort.
package redact

import (
	"strings"
)

// Placeholder replaces every scrubbed value.
const Placeholder = "[REDACTED]"

// minValueLen is the shortest value String will replace. One-time codes are
// four digits, so anything shorter is too likely to hit unrelated text.
const minValueLen = 4

// sensitiveWords are matched case-insensitively against map keys.
var sensitiveWords = []string{
	"password", "contrasena", "contraseña", "token", "secret",
	"codigo", "code_hash", "codehash", "credential", "apikey", "api_key",
}

// String replaces every occurrence of each sensitive value in s with
// Placeholder. Values shorter than four characters are skipped.
//
//	safe := redact.String(line, plainCode, bearer)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minValueLen {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// Snapshot returns a deep copy of m in which every value stored under a
// sensitive key is replaced by Placeholder, whatever its type. Nested maps and
// slices of maps are scrubbed as well; m itself is not modified.
func Snapshot(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) && v != nil {
			out[k] = Placeholder
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Snapshot(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = scrubValue(t[i])
		}
		return cp
	default:
		return v
	}
}

// IsSensitiveKey reports whether a key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
