package logger

import "strings"

// RedactEmailScreen masks an email address for human-facing text (log
// fields, CLI output): the local part keeps up to its first 3 characters.
// "john.doe@example.com" -> "joh***@example.com"
// "ab@example.com"       -> "ab***@example.com"  (local part <=3 kept whole)
func RedactEmailScreen(email string) string {
	local, domain, ok := splitEmail(email)
	if !ok {
		return "***@***"
	}
	if len(local) > 3 {
		local = local[:3]
	}
	return local + "***@" + domain
}

// RedactEmailError masks an email address for machine-readable error
// payloads (AuditRecord.errors[]): the local part is always fully masked
// regardless of length.
// "john.doe@example.com" -> "***@example.com"
func RedactEmailError(email string) string {
	_, domain, ok := splitEmail(email)
	if !ok {
		return "***@***"
	}
	return "***@" + domain
}

func splitEmail(email string) (local, domain string, ok bool) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// MaskStructured recursively applies RedactEmailError to every string found
// in an arbitrary JSON-shaped value (map[string]any / []any / string /
// scalars), as produced by json.Unmarshal into `any`. Used by AuditWriter to
// mask embedded emails anywhere inside a structured error payload, not just
// in a dedicated field.
func MaskStructured(v any) any {
	switch t := v.(type) {
	case string:
		return emailRegex.ReplaceAllStringFunc(t, RedactEmailError)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = MaskStructured(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = MaskStructured(val)
		}
		return out
	default:
		return v
	}
}
