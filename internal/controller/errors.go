package controller

import (
	"errors"
	"fmt"

	"github.com/roach88/simbridge/internal/wire"
)

var (
	// ErrTimeout means no reply arrived within the request budget.
	ErrTimeout = errors.New("request timed out")
	// ErrFault means the backend answered with a FAULT.
	ErrFault = errors.New("backend fault")
	// ErrDisposed is returned for requests pending at, or issued after, Dispose.
	ErrDisposed = errors.New("controller disposed")
	// ErrNotInitialized is returned by operations called before Initialize.
	ErrNotInitialized = errors.New("controller not initialized")
	// ErrBackendClosed means the worker transport shut down underneath a request.
	ErrBackendClosed = errors.New("backend transport closed")
	// ErrInvalidArgument rejects a request before it is routed.
	ErrInvalidArgument = errors.New("invalid argument")

	errCanceled = errors.New("request canceled")
)

// ErrorCode categorizes request failures.
type ErrorCode string

const (
	CodeTimeout  ErrorCode = "TIMEOUT"
	CodeFault    ErrorCode = "FAULT"
	CodeDisposed ErrorCode = "DISPOSED"
	CodeClosed   ErrorCode = "BACKEND_CLOSED"
	CodeCanceled ErrorCode = "CANCELED"
)

// RequestError reports why a routed request did not resolve.
//
// It unwraps to the sentinel for its Code and, when the backend supplied
// one, to the underlying cause.
type RequestError struct {
	// Code identifies the failure category.
	Code ErrorCode

	// RequestID is the id the request was sent with.
	RequestID string

	// Type is the request type.
	Type wire.Type

	// FaultCode is the backend's fault code for CodeFault.
	FaultCode string

	// Message is a human-readable description.
	Message string

	cause error
}

func (e *RequestError) Error() string {
	if e.FaultCode != "" {
		return fmt.Sprintf("%s %s#%s: %s: %s", e.Code, e.Type, e.RequestID, e.FaultCode, e.Message)
	}
	return fmt.Sprintf("%s %s#%s: %s", e.Code, e.Type, e.RequestID, e.Message)
}

func (e *RequestError) Unwrap() []error {
	errs := []error{sentinelFor(e.Code)}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func sentinelFor(code ErrorCode) error {
	switch code {
	case CodeTimeout:
		return ErrTimeout
	case CodeFault:
		return ErrFault
	case CodeDisposed:
		return ErrDisposed
	case CodeClosed:
		return ErrBackendClosed
	}
	return errCanceled
}

func newRequestError(code ErrorCode, id string, t wire.Type, msg string, cause error) *RequestError {
	return &RequestError{Code: code, RequestID: id, Type: t, Message: msg, cause: cause}
}

// BackendFault is a runtime fault raised by the active backend's update
// loop or transport, delivered through OnError.
type BackendFault struct {
	Code    string
	Message string
	Frame   uint64
	Worker  bool
}

func (f *BackendFault) Error() string {
	mode := "fallback"
	if f.Worker {
		mode = "worker"
	}
	return fmt.Sprintf("%s backend fault %s at frame %d: %s", mode, f.Code, f.Frame, f.Message)
}

func (f *BackendFault) Unwrap() error {
	return ErrFault
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsFault reports whether err came from a backend FAULT, as a reply or as a
// runtime fault.
func IsFault(err error) bool {
	return errors.Is(err, ErrFault)
}

// IsDisposed reports whether err is a disposal rejection.
func IsDisposed(err error) bool {
	return errors.Is(err, ErrDisposed)
}

// IsHalted reports whether err announces an update loop halted by repeated
// faults.
func IsHalted(err error) bool {
	var bf *BackendFault
	if errors.As(err, &bf) {
		return bf.Code == wire.FaultHalted
	}
	return false
}
