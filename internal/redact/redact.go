// Package redact masks secret-bearing values before they reach the audit
// trail or an approval record.
package redact

import "strings"

// DefaultSecretKeys are input keys whose values are always masked.
var DefaultSecretKeys = []string{
	"password", "passwd", "secret", "token", "access_token", "refresh_token",
	"api_key", "apikey", "authorization", "auth", "private_key", "client_secret",
	"ssn", "social_security", "credit_card", "card_number", "cvv",
}

// Mask is the replacement for redacted values.
const Mask = "***"

// MaskValue replaces a value with Mask. Numbers and bools are preserved.
func MaskValue(v any) any {
	switch v.(type) {
	case int, int64, float64, bool:
		return v
	case nil:
		return nil
	default:
		return Mask
	}
}

// RedactMap returns a copy of data with the given keys masked. Nested maps
// and slices of maps are walked; string values have inline credentials scrubbed.
func RedactMap(data map[string]any, keys []string) map[string]any {
	if data == nil {
		return nil
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[strings.ToLower(k)] = true
	}
	return redactMap(data, keySet)
}

func redactMap(data map[string]any, keySet map[string]bool) map[string]any {
	result := make(map[string]any, len(data))
	for k, v := range data {
		if keySet[strings.ToLower(k)] {
			result[k] = MaskValue(v)
			continue
		}
		result[k] = redactValue(v, keySet)
	}
	return result
}

func redactValue(v any, keySet map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keySet)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, keySet)
		}
		return out
	case string:
		return ScrubText(t)
	default:
		return v
	}
}

// RedactAuto redacts default secret keys plus any extra keys from a map.
func RedactAuto(data map[string]any, extraKeys []string) map[string]any {
	allKeys := append([]string{}, DefaultSecretKeys...)
	allKeys = append(allKeys, extraKeys...)
	return RedactMap(data, allKeys)
}
