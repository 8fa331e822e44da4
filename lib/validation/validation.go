// Package validation provides reusable input validation functions for pool
// configuration and queue operations. All validators follow a consistent
// pattern: they return nil on success and a descriptive error on failure.
// Every error matches lib/errors.ErrInvalidInput.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/go-i2p/statepool/lib/errors"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = fmt.Errorf("%w: field is required", apperrors.ErrInvalidInput)

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = fmt.Errorf("%w: value exceeds maximum length", apperrors.ErrInvalidInput)

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = fmt.Errorf("%w: invalid format", apperrors.ErrInvalidInput)

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = fmt.Errorf("%w: value out of range", apperrors.ErrInvalidInput)

	// ErrInvalidDuration indicates an invalid duration string.
	ErrInvalidDuration = fmt.Errorf("%w: invalid duration", apperrors.ErrInvalidInput)
)

// Constraints for common field types.
const (
	// MaxTubeNameLength is the maximum length of a tube name in bytes.
	MaxTubeNameLength = 200

	// MaxStateKeyLength is the maximum length for state keys.
	MaxStateKeyLength = 64

	// MaxKeyPrefixLength is the maximum length for backend key prefixes.
	MaxKeyPrefixLength = 128

	// MaxDB is the highest Redis database index in a default deployment.
	MaxDB = 15

	// MaxPriority is the largest job priority (2^32 - 1).
	MaxPriority int64 = 1<<32 - 1

	// MaxDuration is the maximum duration for time-based operations (1 day).
	MaxDuration = 24 * time.Hour
)

// tubeNamePattern matches valid tube names.
var tubeNamePattern = regexp.MustCompile(`^[A-Za-z0-9+/;.$_()][A-Za-z0-9\-+/;.$_()]*$`)

// stateKeyPattern matches valid state keys.
var stateKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]*$`)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that an integer is within the given range (inclusive).
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Positive validates that an integer is positive (> 0).
func Positive(field string, value int) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NonNegative validates that an integer is non-negative (>= 0).
func NonNegative(field string, value int) error {
	if value < 0 {
		return NewResult(field, "must be non-negative", ErrOutOfRange)
	}
	return nil
}

// Duration validates a duration string and returns the parsed duration.
// Returns an error if the duration is invalid or outside the allowed range.
func Duration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil // Empty is valid (will use default)
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, NewResult(field, "invalid duration format", ErrInvalidDuration)
	}

	if d < 0 {
		return 0, NewResult(field, "duration cannot be negative", ErrOutOfRange)
	}

	return d, nil
}

// DurationRange validates a duration string and checks it's within bounds.
func DurationRange(field, value string, min, max time.Duration) (time.Duration, error) {
	d, err := Duration(field, value)
	if err != nil {
		return 0, err
	}

	if d != 0 && (d < min || d > max) {
		return 0, NewResult(field,
			fmt.Sprintf("must be between %s and %s", min, max),
			ErrOutOfRange)
	}

	return d, nil
}

// TubeName validates a queue tube name: 1 to 200 bytes of letters, digits
// and "-+/;.$_()", not starting with a hyphen.
func TubeName(field, value string) error {
	if value == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	if len(value) > MaxTubeNameLength {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d bytes", MaxTubeNameLength), ErrTooLong)
	}
	if !tubeNamePattern.MatchString(value) {
		return NewResult(field, "must contain only letters, numbers and -+/;.$_() and not start with '-'", ErrInvalidFormat)
	}
	return nil
}

// StateKey validates a connection state key.
func StateKey(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxStateKeyLength); err != nil {
		return err
	}
	if !stateKeyPattern.MatchString(value) {
		return NewResult(field, "must start with a letter and contain only letters, numbers, dots, dashes and underscores", ErrInvalidFormat)
	}
	return nil
}

// KeyPrefix validates a backend key namespace.
func KeyPrefix(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxKeyPrefixLength); err != nil {
		return err
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return NewResult(field, "must not contain whitespace", ErrInvalidFormat)
	}
	return nil
}

// OneOf validates that value is one of the allowed strings.
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return NewResult(field, fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")), ErrInvalidFormat)
}

// HostPort validates a host:port address.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	_, _, err := net.SplitHostPort(value)
	if err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}

	return nil
}

// DB validates a Redis logical database index.
func DB(field string, value int) error {
	return IntRange(field, value, 0, MaxDB)
}

// Priority validates a job priority. Lower values are more urgent.
func Priority(field string, value int64) error {
	if value < 0 || value > MaxPriority {
		return NewResult(field, fmt.Sprintf("must be between 0 and %d", MaxPriority), ErrOutOfRange)
	}
	return nil
}

// All runs multiple validation functions and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the collected errors for errors.Is() support.
func (e Errors) Unwrap() []error {
	return e
}
