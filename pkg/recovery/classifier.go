// Package recovery classifies extraction failures and decides what happens
// next: retry with backoff, skip the offending record, escalate the entity,
// or abort the run. Per-class circuit breakers stop the run from hammering
// a source that is clearly down.
package recovery

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/url"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/inletlabs/inlet/pkg/errors"
)

// Classify maps an error to its class. Typed errors carry their class
// explicitly; untyped errors are recognized by HTTP status, transport
// error types, and decode error types. Anything unrecognized is unknown,
// which escalates rather than retries.
func Classify(err error) errors.Class {
	if err == nil {
		return errors.ClassUnknown
	}

	if class := errors.GetClass(err); class != errors.ClassUnknown {
		return class
	}
	if status := errors.GetStatus(err); status != 0 {
		if class := errors.ClassForStatus(status); class != errors.ClassUnknown {
			return class
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ClassNetwork
	}
	// Truncated bodies read as unexpected EOF; the fetch may succeed whole
	// on a retry.
	if stderrors.Is(err, io.ErrUnexpectedEOF) {
		return errors.ClassNetwork
	}

	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return errors.ClassNetwork
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.ClassNetwork
	}

	var syntaxErr *gojson.SyntaxError
	if stderrors.As(err, &syntaxErr) {
		return errors.ClassDataValidation
	}
	var typeErr *gojson.UnmarshalTypeError
	if stderrors.As(err, &typeErr) {
		return errors.ClassDataValidation
	}

	return errors.ClassUnknown
}

// Severity grades how alarming a failure class is. Warnings are expected
// operational noise, errors degrade the run, criticals mean the run cannot
// produce correct results.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SeverityFor returns the severity of an error class.
func SeverityFor(class errors.Class) Severity {
	switch class {
	case errors.ClassNetwork, errors.ClassRateLimit, errors.ClassDataValidation:
		return SeverityWarning
	case errors.ClassAuth, errors.ClassConfig:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// RetryAfterHint extracts a server-advertised retry delay from a typed
// error, recorded by the source client from a Retry-After header. Zero
// means no hint.
func RetryAfterHint(err error) time.Duration {
	var typed *errors.Error
	if !stderrors.As(err, &typed) || typed.Details == nil {
		return 0
	}
	switch v := typed.Details["retry_after"].(type) {
	case time.Duration:
		return v
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}
