package vmi

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrorKind classifies a failure so callers can tell "this backend cannot do
// that" from "the backend call failed" from "you passed a bad argument".
type ErrorKind uint8

const (
	// KindConnection: handshake or setup failed, the instance is unusable.
	KindConnection ErrorKind = iota + 1
	// KindUnsupported: the capability is not implemented by this backend.
	KindUnsupported
	// KindInvalidArgument: out-of-range VCPU, unknown register, empty buffer.
	KindInvalidArgument
	// KindBackend: the native call returned an error; the caller may retry.
	KindBackend
	// KindProtocolDesync: event bookkeeping no longer matches the hypervisor.
	// Fatal; the instance must be closed.
	KindProtocolDesync
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindUnsupported:
		return "unsupported operation"
	case KindInvalidArgument:
		return "invalid argument"
	case KindBackend:
		return "backend operation failed"
	case KindProtocolDesync:
		return "protocol desync"
	default:
		return fmt.Sprintf("error kind %d", uint8(k))
	}
}

// Error is the error type returned by every Introspector operation.
type Error struct {
	Kind   ErrorKind
	Op     string     // capability operation, e.g. "read_physical"
	Driver DriverType // set by adapters, zero value otherwise
	Err    error      // underlying backend error, may be nil

	message string // optional detail, omitted from sanitized messages
}

func (e *Error) Error() string {
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError includes the backend detail and the wrapped error.
func (e *Error) detailedError() string {
	msg := "vmi: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	msg += e.Kind.String()
	if e.message != "" {
		msg += ": " + e.message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// sanitizedError keeps only the operation and the kind.
func (e *Error) sanitizedError() string {
	if e.Op == "" {
		return "vmi: " + e.Kind.String()
	}
	return "vmi: " + e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the Err* sentinels below work
// with errors.Is regardless of operation or detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.message == "" && t.Err == nil
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMI_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("VMI_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Sentinels for errors.Is.
var (
	ErrConnection      = &Error{Kind: KindConnection}
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrBackend         = &Error{Kind: KindBackend}
	ErrProtocolDesync  = &Error{Kind: KindProtocolDesync}
)

// Unsupported reports that op is not implemented by the backend.
func Unsupported(op string) error {
	return &Error{Kind: KindUnsupported, Op: op}
}

// InvalidArgument reports a caller error in op.
func InvalidArgument(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Op: op, message: fmt.Sprintf(format, args...)}
}

// ConnectionError wraps a failed handshake.
func ConnectionError(op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// BackendError wraps a failed native call.
func BackendError(op string, err error) error {
	return &Error{Kind: KindBackend, Op: op, Err: err}
}

// Desync reports a violated event bookkeeping invariant.
func Desync(op, format string, args ...any) error {
	return &Error{Kind: KindProtocolDesync, Op: op, message: fmt.Sprintf(format, args...)}
}

// WithDriver returns a copy of err stamped with the driver type when err is a
// *Error. Other errors are returned unchanged.
func WithDriver(err error, d DriverType) error {
	e, ok := err.(*Error)
	if !ok || e.Driver == d {
		return err
	}
	c := *e
	c.Driver = d
	return &c
}

// KindOf returns the ErrorKind of err, or 0 when err is not a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
