// Package errors provides error sanitization utilities that keep sensitive
// material out of persisted audit rows, alert payloads, and log output.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match credential material embedded in error text
	credentialPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|access[_-]?key)\s*=\s*\S+`)

	// Pattern to match connection-level driver noise
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|clickhouse:|dial tcp|connection string|dsn=)`)

	// Patterns for query-literal masking
	singleQuotedPattern = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	doubleQuotedPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
	numberPattern       = regexp.MustCompile(`\b\d+\b`)
)

// ProductionMode controls whether SanitizeError rewrites error text.
// Masking of persisted query text is unconditional and not affected.
var ProductionMode = false

// SetProductionMode sets the production mode flag. Call once during
// application initialization.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// SanitizeError removes sensitive information from an error before it is
// surfaced in results or logs. In development mode the original error is
// returned for debugging.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !ProductionMode {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString removes sensitive information from a string when running
// in production mode.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	s = credentialPattern.ReplaceAllString(s, "$1=***")

	// Keep only the filename of any absolute path.
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Mask IP addresses but keep the first two octets for debugging context.
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	if internalErrorPattern.MatchString(s) {
		s = "database operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal error - operation failed"
	}

	return s
}

// WrapSanitized wraps an error with additional context and sanitizes the
// result.
func WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return SanitizeError(fmt.Errorf("%s: %w", message, err))
}

// MaskQueryLiterals replaces string and numeric literals in query text with
// placeholders. Applied unconditionally to any query text that leaves the
// process, so credentials or personal data embedded in literals never reach
// the audit store or an alert channel.
func MaskQueryLiterals(query string) string {
	if query == "" {
		return ""
	}
	masked := singleQuotedPattern.ReplaceAllString(query, "'?'")
	masked = doubleQuotedPattern.ReplaceAllString(masked, `"?"`)
	masked = numberPattern.ReplaceAllString(masked, "?")
	return masked
}

// TruncateQuery shortens query text to at most max runes, appending an
// ellipsis marker when truncation occurred. Rune-safe for multibyte input.
func TruncateQuery(query string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(query)
	if len(runes) <= max {
		return query
	}
	return string(runes[:max]) + "..."
}

// SafeErrorMessage returns a message suitable for inclusion in a report or
// security event. Known user-facing messages pass through, everything else
// is sanitized.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	userFacingErrors := []string{
		"account is temporarily locked",
		"principal is blocked",
		"address is blocked",
		"invalid request",
		"not found",
		"insufficient data",
	}

	lowerMsg := strings.ToLower(msg)
	for _, safe := range userFacingErrors {
		if strings.Contains(lowerMsg, safe) {
			return msg
		}
	}

	return SanitizeString(msg)
}
