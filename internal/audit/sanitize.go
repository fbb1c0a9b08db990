package audit

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Details is free-form event context. Values may nest further Details,
// map[string]any, or slices of either. Any other map, struct or slice is
// filtered through its JSON form.
type Details map[string]any

// sensitiveFragments are matched against lowercased keys.
var sensitiveFragments = []string{
	"password", "token", "secret", "key", "hash", "otp", "code", "credential", "authorization", "cookie",
}

// IsSensitiveKey reports whether a detail key must never be persisted.
func IsSensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of d without sensitive keys at any depth.
// The input is not modified.
func Sanitize(d Details) Details {
	if d == nil {
		return Details{}
	}
	return sanitizeMap(d)
}

func sanitizeMap(m map[string]any) Details {
	out := make(Details, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case Details:
		return sanitizeMap(t)
	case map[string]any:
		return sanitizeMap(t)
	case map[string]string:
		out := make(Details, len(t))
		for k, s := range t {
			if !IsSensitiveKey(k) {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	case []Details:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeMap(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeMap(item)
		}
		return out
	default:
		return sanitizeJSON(v)
	}
}

// sanitizeJSON filters values the switch does not know by decoding their JSON
// form. Scalars pass through unchanged; a value that cannot be encoded is dropped.
func sanitizeJSON(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') {
		return v
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	return sanitizeValue(decoded)
}
