package errors

import "strings"

// sensitiveFieldFragments lists the field-name fragments whose values never
// belong in an audit row, an alert payload, or a log line. Matching is by
// fragment so variants like smtp_password and X-Api-Key are caught without
// enumerating them.
var sensitiveFieldFragments = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"api-key",
	"apikey",
	"credential",
	"authorization",
	"bearer",
	"private_key",
	"session",
	"cookie",
	"webhook",
	"dsn",
}

// MaskedValue replaces the value of a sensitive field.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a field name looks like it carries
// credential material.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range sensitiveFieldFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// MaskFieldValue returns the value unchanged unless the field name is
// sensitive. Empty values pass through so omitempty rendering is preserved.
func MaskFieldValue(name, value string) string {
	if value == "" || !IsSensitiveField(name) {
		return value
	}
	return MaskedValue
}

// MaskFields returns a copy of the map with sensitive values replaced. The
// input map is not modified.
func MaskFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return fields
	}
	masked := make(map[string]string, len(fields))
	for name, value := range fields {
		masked[name] = MaskFieldValue(name, value)
	}
	return masked
}
