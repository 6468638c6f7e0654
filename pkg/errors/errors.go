// Package errors provides structured error handling for Inlet with error
// classes, HTTP status capture, stack traces, and key-value context.
//
// # Overview
//
// The errors package extends Go's standard error handling with:
//   - Error classification through Class (network, rate_limit, auth, ...)
//   - HTTP status capture so classification never parses message strings
//   - Structured context with key-value details
//   - Automatic stack trace capture
//   - Error wrapping with cause preservation
//
// # Basic Usage
//
//	// Create a new error
//	err := errors.New(errors.ClassConfig, "page size must be positive")
//
//	// Wrap a transport failure with its status
//	if resp.StatusCode != http.StatusOK {
//	    return errors.New(errors.ClassServer, "page request failed").
//	        WithStatus(resp.StatusCode).
//	        WithDetail("entity", name)
//	}
//
// # Classes
//
// The class drives the recovery policy: which failures are retried, with what
// backoff, and which abort the run. See the recovery package for the policy
// table.
package errors

import (
	"errors"
	"runtime"

	stringpool "github.com/inletlabs/inlet/pkg/strings"
)

// Class categorizes a failure for recovery policy selection, monitoring,
// and run reporting.
type Class string

const (
	// ClassNetwork represents connect failures, timeouts, and transport errors
	ClassNetwork Class = "network"
	// ClassRateLimit represents source API throttling (HTTP 429)
	ClassRateLimit Class = "rate_limit"
	// ClassAuth represents authentication/authorization failures (HTTP 401/403)
	ClassAuth Class = "auth"
	// ClassServer represents source-side failures (HTTP 5xx)
	ClassServer Class = "server"
	// ClassDataValidation represents malformed records or undecodable payloads
	ClassDataValidation Class = "data_validation"
	// ClassConfig represents invalid run configuration
	ClassConfig Class = "config"
	// ClassUnknown represents failures no rule matched; never retried
	ClassUnknown Class = "unknown"
)

// Error is a classified error with context. Status is the originating HTTP
// status code when the failure came off the wire, zero otherwise.
//
// Instances are not safe for concurrent mutation; finish WithDetail/WithStatus
// chains before sharing across goroutines.
type Error struct {
	Class   Class
	Message string
	Status  int
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is a single frame captured at error creation.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return stringpool.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return stringpool.Sprintf("%s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail, chainable.
//
//	return errors.New(errors.ClassDataValidation, "record is not an object").
//	    WithDetail("entity", entity).
//	    WithDetail("page", page)
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithStatus records the HTTP status code the failure originated from,
// chainable. The classifier prefers this over any message content.
func (e *Error) WithStatus(code int) *Error {
	e.Status = code
	return e
}

// New creates an error of the given class, capturing the call stack at the
// point of creation.
func New(class Class, message string) *Error {
	return &Error{
		Class:   class,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error, preserving it as the cause. If err is already
// a classified Error its stack and status are preserved. Returns nil for a
// nil input.
func Wrap(err error, class Class, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Class:   class,
			Message: message,
			Status:  existing.Status,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Class:   class,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// ClassForStatus maps an HTTP status code to an error class. Statuses the
// recovery table has no policy for map to ClassUnknown.
func ClassForStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimit
	case status == 401 || status == 403:
		return ClassAuth
	case status == 408:
		return ClassNetwork
	case status >= 500 && status <= 599:
		return ClassServer
	default:
		return ClassUnknown
	}
}

// GetClass returns the class of err, or ClassUnknown when err carries no
// classification.
func GetClass(err error) Class {
	var e *Error
	if !errors.As(err, &e) {
		return ClassUnknown
	}
	return e.Class
}

// GetStatus returns the HTTP status recorded on err, or zero.
func GetStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.Status
}

// IsRetryable reports whether the error's class is transient. Network, rate
// limit, and server failures are retried; everything else is not.
func IsRetryable(err error) bool {
	switch GetClass(err) {
	case ClassNetwork, ClassRateLimit, ClassServer:
		return true
	default:
		return false
	}
}

// IsClass checks whether err carries the given class.
func IsClass(err error, class Class) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Class == class
}

// captureStack captures up to maxFrames call frames, skipping the topmost
// skip frames.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
