package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of a sync error
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassMalformed indicates an undecodable message or unknown operation kind
	ClassMalformed
	// ClassValidation indicates a decoded value failed validation
	ClassValidation
	// ClassOrphaned indicates an operation whose parents are not yet known
	ClassOrphaned
	// ClassDuplicate indicates an operation that was already applied
	ClassDuplicate
	// ClassConflict indicates concurrent operations on the same target
	ClassConflict
	// ClassManual indicates a conflict left for a user to resolve
	ClassManual
	// ClassTransport indicates a broken or unreachable connection
	ClassTransport
	// ClassInvalidState indicates a call that is not allowed in the current state
	ClassInvalidState
	// ClassAuthentication indicates a rejected identity
	ClassAuthentication
	// ClassRateLimited indicates an inbound limiter refused the message
	ClassRateLimited
	// ClassStorage indicates a persistence backend failure
	ClassStorage
)

var classNames = map[ErrorClass]string{
	ClassUnknown:        "unknown",
	ClassMalformed:      "malformed",
	ClassValidation:     "validation",
	ClassOrphaned:       "orphaned",
	ClassDuplicate:      "duplicate",
	ClassConflict:       "conflict",
	ClassManual:         "manual",
	ClassTransport:      "transport",
	ClassInvalidState:   "invalid_state",
	ClassAuthentication: "authentication",
	ClassRateLimited:    "rate_limited",
	ClassStorage:        "storage",
}

func (c ErrorClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ClassifiedError is an error with a class and the operation that raised it
type ClassifiedError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Class     ErrorClass        `json:"class"`
	Operation string            `json:"operation,omitempty"`
	Details   interface{}       `json:"details,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`

	// Original error for unwrapping
	cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	msg := e.Message
	if e.cause != nil && e.cause.Error() != e.Message {
		msg = fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// Is matches another ClassifiedError with the same code
func (e *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Class == e.Class
}

// IsRecoverable reports whether the sync engine can continue past the error
// without operator help, by buffering, resyncing or reconnecting
func (e *ClassifiedError) IsRecoverable() bool {
	switch e.Class {
	case ClassOrphaned, ClassDuplicate, ClassConflict, ClassManual, ClassTransport, ClassRateLimited, ClassStorage:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether repeating the same call may succeed
func (e *ClassifiedError) IsRetryable() bool {
	return e.Class == ClassTransport || e.Class == ClassRateLimited || e.Class == ClassStorage
}

// New creates a new classified error
func New(code string, message string, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now(),
	}
}

// Newf creates a classified error with a formatted message
func Newf(code string, class ErrorClass, format string, args ...interface{}) *ClassifiedError {
	return New(code, fmt.Sprintf(format, args...), class)
}

// Wrap wraps an existing error with classification
func Wrap(err error, code string, class ErrorClass) *ClassifiedError {
	if err == nil {
		return nil
	}

	// If already a classified error, preserve the chain
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return &ClassifiedError{
			Code:      code,
			Message:   ce.Message,
			Class:     class,
			Operation: ce.Operation,
			Details:   ce.Details,
			Metadata:  ce.Metadata,
			Timestamp: time.Now(),
			cause:     err,
		}
	}

	return &ClassifiedError{
		Code:      code,
		Message:   err.Error(),
		Class:     class,
		Timestamp: time.Now(),
		cause:     err,
	}
}

// WithOperation records the operation that raised the error
func (e *ClassifiedError) WithOperation(operation string) *ClassifiedError {
	e.Operation = operation
	return e
}

// WithDetails adds additional details to the error
func (e *ClassifiedError) WithDetails(details interface{}) *ClassifiedError {
	e.Details = details
	return e
}

// WithMetadata adds metadata to the error
func (e *ClassifiedError) WithMetadata(key, value string) *ClassifiedError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// ClassOf returns the class of the first classified error in the chain
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// IsClass reports whether err carries the given class
func IsClass(err error, class ErrorClass) bool {
	return err != nil && ClassOf(err) == class
}

// IsRecoverable reports whether err is a recoverable classified error
func IsRecoverable(err error) bool {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.IsRecoverable()
	}
	return false
}

// IsMalformed returns true if the error rejects an undecodable input
func IsMalformed(err error) bool {
	return IsClass(err, ClassMalformed) || IsClass(err, ClassValidation)
}

// IsTransport returns true if the error came from a broken connection
func IsTransport(err error) bool {
	return IsClass(err, ClassTransport)
}

// IsAuthenticationError returns true if the error is an authentication error
func IsAuthenticationError(err error) bool {
	return IsClass(err, ClassAuthentication)
}
