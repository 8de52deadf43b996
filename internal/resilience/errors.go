package resilience

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Class is the error taxonomy used across the pipeline.
type Class int

const (
	// ClassPermanent errors are recorded and never retried (404/410, corrupt artifact).
	ClassPermanent Class = iota
	// ClassTransient errors are retried with backoff (timeouts, 429, 5xx, challenges).
	ClassTransient
	// ClassFatal errors abort the current target (disk full, store corruption).
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "permanent"
	}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError marks a failure that will not change on retry.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error as permanent with an optional HTTP status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// FatalError marks an environment fault: the target is aborted and the error
// surfaces to the operator.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// HTTPStatusError builds a classified error for a non-2xx response.
func HTTPStatusError(service string, statusCode int) error {
	err := eris.Errorf("%s: status %d", service, statusCode)
	if IsTransientHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	return NewPermanentError(err, statusCode)
}

// Classify returns the taxonomy class of err. Explicit wrappers win with
// precedence fatal > transient > permanent. Unrecognized errors are
// permanent unless they look like network hiccups.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var fe *FatalError
	if errors.As(err, &fe) || errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EROFS) {
		return ClassFatal
	}
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsFatal reports whether err is classified fatal.
func IsFatal(err error) bool { return err != nil && Classify(err) == ClassFatal }

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"context deadline exceeded",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return statusCode > 500 && statusCode < 600
	}
}
