package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Customer documents and account numbers are personal data under LGPD and
// must never reach log sinks in the clear. Consent and execution identifiers
// are opaque and safe to emit.
var sensitiveKeys = map[string]struct{}{
	"customerdocument":     {},
	"document":             {},
	"cpf":                  {},
	"cnpj":                 {},
	"accountnumber":        {},
	"loggeduserdocument":   {},
	"counterpartydocument": {},
}

// IsSensitive reports whether the provided log key must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskDocument keeps only the last two digits of a customer document so
// support can correlate without exposing the identifier.
func MaskDocument(value string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, value)
	if len(digits) < 4 {
		return RedactedValue
	}
	return "***" + digits[len(digits)-2:]
}

// Field returns a slog.Attr, masking the value when the key is sensitive.
func Field(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskDocument(value))
}
