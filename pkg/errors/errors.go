// Package errors provides custom error types for the eventhub client.
// These errors enable programmatic error checking for the failures a
// caller can react to: malformed subscriptions, duplicate subscriber ids,
// connection and reply timeouts, and rejected session negotiations.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Common sentinel errors for the eventhub system
var (
	// ErrInvalidFormat indicates a malformed subscription expression
	ErrInvalidFormat = errors.New("invalid format")

	// ErrNotUnique indicates an identifier that is already registered
	ErrNotUnique = errors.New("not unique")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrNotConnected indicates that the event hub has no transport to publish on
	ErrNotConnected = errors.New("not connected")

	// ErrMalformedPacket indicates a wire frame that could not be decoded
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrSessionRejected indicates the server refused the session handshake
	ErrSessionRejected = errors.New("session rejected")
)

// FormatError is returned when a subscription expression does not match
// the supported grammar.
type FormatError struct {
	Expression string
}

// Error implements the error interface
func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid subscription expression %q: expected topic=<name>", e.Expression)
}

// Is implements errors.Is support
func (e *FormatError) Is(target error) bool {
	return target == ErrInvalidFormat
}

// NewFormatError creates a new FormatError
func NewFormatError(expression string) *FormatError {
	return &FormatError{Expression: expression}
}

// NotUniqueError is returned when an identifier is registered twice
type NotUniqueError struct {
	Resource string
	ID       string
}

// Error implements the error interface
func (e *NotUniqueError) Error() string {
	return fmt.Sprintf("%s with ID %s already exists", e.Resource, e.ID)
}

// Is implements errors.Is support
func (e *NotUniqueError) Is(target error) bool {
	return target == ErrNotUnique
}

// NewNotUniqueError creates a new NotUniqueError
func NewNotUniqueError(resource, id string) *NotUniqueError {
	return &NotUniqueError{Resource: resource, ID: id}
}

// ConnectionTimeoutError is returned when a publish could not be handed to
// a connected transport within its timeout.
type ConnectionTimeoutError struct {
	Timeout time.Duration
}

// Error implements the error interface
func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("unable to connect to event server within %s", e.Timeout)
}

// Is implements errors.Is support
func (e *ConnectionTimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// NewConnectionTimeoutError creates a new ConnectionTimeoutError
func NewConnectionTimeoutError(timeout time.Duration) *ConnectionTimeoutError {
	return &ConnectionTimeoutError{Timeout: timeout}
}

// ReplyTimeoutError is returned when no reply to a published event arrived
// within the timeout.
type ReplyTimeoutError struct {
	EventID string
	Timeout time.Duration
}

// Error implements the error interface
func (e *ReplyTimeoutError) Error() string {
	return fmt.Sprintf("no reply to event %s within %s", e.EventID, e.Timeout)
}

// Is implements errors.Is support
func (e *ReplyTimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// NewReplyTimeoutError creates a new ReplyTimeoutError
func NewReplyTimeoutError(eventID string, timeout time.Duration) *ReplyTimeoutError {
	return &ReplyTimeoutError{EventID: eventID, Timeout: timeout}
}

// PublishError is returned when an event cannot be published at all,
// for example because the hub was never connected.
type PublishError struct {
	Message string
}

// Error implements the error interface
func (e *PublishError) Error() string {
	return "publish failed: " + e.Message
}

// Is implements errors.Is support
func (e *PublishError) Is(target error) bool {
	return target == ErrNotConnected
}

// NewPublishError creates a new PublishError
func NewPublishError(message string) *PublishError {
	return &PublishError{Message: message}
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// SessionError represents a failed session negotiation with the event server
type SessionError struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("session negotiation with %s failed (status %d): %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("session negotiation with %s failed: %s", e.URL, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *SessionError) Is(target error) bool {
	return target == ErrSessionRejected
}

// NewSessionError creates a new SessionError
func NewSessionError(url string, statusCode int, message string, err error) *SessionError {
	return &SessionError{
		URL:        url,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// ParseError represents a wire frame that could not be decoded
type ParseError struct {
	Reason string
	Frame  string
	Err    error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Frame != "" {
		return fmt.Sprintf("malformed packet %q: %s", truncate(e.Frame, 64), e.Reason)
	}
	return "malformed packet: " + e.Reason
}

// Unwrap implements errors.Unwrap
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedPacket
}

// NewParseError creates a new ParseError
func NewParseError(reason, frame string, err error) *ParseError {
	return &ParseError{Reason: reason, Frame: frame, Err: err}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(component, message string, err error) *ConfigError {
	return &ConfigError{
		Component: component,
		Message:   message,
		Err:       err,
	}
}

// ResourceError represents an error during resource operations
type ResourceError struct {
	Operation string // "create", "dial", "negotiate", "encode"
	Resource  string // "hub", "session", "socket", "event"
	ID        string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *ResourceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("failed to %s %s %s: %s", e.Operation, e.Resource, e.ID, e.Message)
	}
	return fmt.Sprintf("failed to %s %s: %s", e.Operation, e.Resource, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ResourceError) Unwrap() error {
	return e.Err
}

// NewResourceError creates a new ResourceError
func NewResourceError(operation, resource, id string, err error) *ResourceError {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ResourceError{
		Operation: operation,
		Resource:  resource,
		ID:        id,
		Message:   message,
		Err:       err,
	}
}

// WrapResource wraps an error as a ResourceError. Returns nil for a nil error.
func WrapResource(operation, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	return NewResourceError(operation, resource, id, err)
}

// Helper functions for error checking

// IsFormat checks if an error is a subscription format error
func IsFormat(err error) bool {
	return errors.Is(err, ErrInvalidFormat)
}

// IsNotUnique checks if an error is a duplicate identifier error
func IsNotUnique(err error) bool {
	return errors.Is(err, ErrNotUnique)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsTimeout checks if an error is a timeout error of any kind
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsConnectionTimeout checks if an error is a connection timeout
func IsConnectionTimeout(err error) bool {
	var target *ConnectionTimeoutError
	return errors.As(err, &target)
}

// IsReplyTimeout checks if an error is a reply timeout
func IsReplyTimeout(err error) bool {
	var target *ReplyTimeoutError
	return errors.As(err, &target)
}

// IsNotConnected checks if an error reports a missing connection
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsSessionRejected checks if an error is a failed session negotiation
func IsSessionRejected(err error) bool {
	return errors.Is(err, ErrSessionRejected)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
