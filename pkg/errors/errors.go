package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeTransient represents recoverable site errors (timeouts, empty DOM)
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeBlocked represents active refusal by the remote site
	ErrorTypeBlocked ErrorType = "blocked"
	// ErrorTypeFieldNotFound represents a selector chain miss, treated as end of data
	ErrorTypeFieldNotFound ErrorType = "field_not_found"
	// ErrorTypeMalformedRecord represents a single unusable record
	ErrorTypeMalformedRecord ErrorType = "malformed_record"
	// ErrorTypeExhaustedRetries represents a retry budget spent without success
	ErrorTypeExhaustedRetries ErrorType = "exhausted_retries"
	// ErrorTypeConfiguration represents configuration errors, fatal to the run
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeStore represents checkpoint store errors
	ErrorTypeStore ErrorType = "store"
	// ErrorTypePublish represents record publishing errors
	ErrorTypePublish ErrorType = "publish"
)

// Classification buckets an error for the retry governor
type Classification int

const (
	// ClassTransient errors are retried with exponential backoff
	ClassTransient Classification = iota
	// ClassBlocked errors escalate delays and terminate the scope on exhaustion
	ClassBlocked
	// ClassFatal errors propagate immediately
	ClassFatal
)

// HarvestError represents a pipeline-specific error
type HarvestError struct {
	Type    ErrorType
	Scope   string
	Message string
	Err     error
	Time    time.Time
}

// Error implements the error interface
func (e *HarvestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Scope, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Scope, e.Message)
}

// Unwrap returns the underlying error
func (e *HarvestError) Unwrap() error {
	return e.Err
}

// New creates a new HarvestError
func New(errType ErrorType, scope, message string, err error) *HarvestError {
	return &HarvestError{
		Type:    errType,
		Scope:   scope,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

// NewTransient creates a new transient site error
func NewTransient(scope, message string, err error) *HarvestError {
	return New(ErrorTypeTransient, scope, message, err)
}

// NewBlocked creates a new blocked error
func NewBlocked(scope, message string, err error) *HarvestError {
	return New(ErrorTypeBlocked, scope, message, err)
}

// NewFieldNotFound creates a new field-not-found error for a semantic field
func NewFieldNotFound(scope, field string) *HarvestError {
	return New(ErrorTypeFieldNotFound, scope, fmt.Sprintf("no candidate selector matched field %q", field), nil)
}

// NewMalformedRecord creates a new malformed record error
func NewMalformedRecord(scope, message string) *HarvestError {
	return New(ErrorTypeMalformedRecord, scope, message, nil)
}

// NewExhaustedRetries creates a new exhausted-retries error wrapping the last failure
func NewExhaustedRetries(scope string, attempts int, last error) *HarvestError {
	return New(ErrorTypeExhaustedRetries, scope, fmt.Sprintf("retry budget spent after %d attempts", attempts), last)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *HarvestError {
	return New(ErrorTypeConfiguration, "", message, err)
}

// NewStore creates a new checkpoint store error
func NewStore(scope, message string, err error) *HarvestError {
	return New(ErrorTypeStore, scope, message, err)
}

// NewPublish creates a new publish error
func NewPublish(scope, message string, err error) *HarvestError {
	return New(ErrorTypePublish, scope, message, err)
}

// TypeOf returns the ErrorType of err, or an empty string for foreign errors
func TypeOf(err error) ErrorType {
	var he *HarvestError
	if errors.As(err, &he) {
		return he.Type
	}
	return ""
}

// IsTransient reports whether err is a transient site error
func IsTransient(err error) bool {
	return TypeOf(err) == ErrorTypeTransient
}

// IsBlocked reports whether err indicates active refusal by the site
func IsBlocked(err error) bool {
	return TypeOf(err) == ErrorTypeBlocked
}

// IsFieldNotFound reports whether err is a selector chain miss
func IsFieldNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeFieldNotFound
}

// IsExhaustedRetries reports whether err is a spent retry budget
func IsExhaustedRetries(err error) bool {
	return TypeOf(err) == ErrorTypeExhaustedRetries
}

// IsConfiguration reports whether err is fatal to the whole run
func IsConfiguration(err error) bool {
	return TypeOf(err) == ErrorTypeConfiguration
}

// Classify buckets an error for retry policy. Foreign errors are fatal:
// anything the pipeline cannot name it does not retry.
func Classify(err error) Classification {
	switch TypeOf(err) {
	case ErrorTypeTransient:
		return ClassTransient
	case ErrorTypeBlocked:
		return ClassBlocked
	default:
		return ClassFatal
	}
}
