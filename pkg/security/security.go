// Package security provides validation, sanitization, and limits for the queues package.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/foxx-queues/pkg/core"
)

// Security limits and configuration
const (
	// MaxQueueNameLength is the maximum length for queue names
	MaxQueueNameLength = 255

	// MaxDatabaseNameLength is the maximum length for database names
	MaxDatabaseNameLength = 64

	// MaxWorkers is the hard limit for a queue's concurrent jobs
	MaxWorkers = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096
)

// validQueueName matches alphanumeric, hyphens, underscores, and dots
var validQueueName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// validDatabaseName additionally allows a leading underscore ("_system")
var validDatabaseName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_\-]*$`)

// ValidateQueueName validates a queue name
func ValidateQueueName(name string) error {
	if name == "" {
		return core.ErrInvalidQueueName
	}
	if len(name) > MaxQueueNameLength {
		return core.ErrQueueNameTooLong
	}
	if !validQueueName.MatchString(name) {
		return core.ErrInvalidQueueName
	}
	return nil
}

// ValidDatabaseName reports whether name can be used as a database name.
// Connectors use it before turning a name into a file path or DSN.
func ValidDatabaseName(name string) bool {
	return len(name) <= MaxDatabaseNameLength && validDatabaseName.MatchString(name)
}

// ValidateMaxWorkers rejects negative worker limits
func ValidateMaxWorkers(n int) error {
	if n < 0 {
		return core.ErrInvalidMaxWorkers
	}
	return nil
}

// ClampMaxWorkers ensures a worker limit is within [0, MaxWorkers]
func ClampMaxWorkers(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}
