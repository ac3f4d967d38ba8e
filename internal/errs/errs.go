// Package errs holds the error taxonomy shared by the gateway, the
// session service and the webhook pipeline.  Callers classify errors with
// errors.Is against the exported sentinel kinds.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderNotFound    = errors.New("provider resource not found")
	ErrRateLimited         = errors.New("provider rate limited")
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrInternal            = errors.New("internal error")
)

// Error couples a taxonomy kind with a human readable message and an
// optional underlying cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Kind.Error() + ": " + e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

// Is reports whether target is the kind of e, so errors.Is(err, ErrValidation)
// works through any wrapping.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Internal(err error, msg string) error {
	return &Error{Kind: ErrInternal, Msg: msg, Err: err}
}

// Wrap attaches kind to err.  A nil err yields nil.
func Wrap(kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsNotFound matches both local and remote not-found kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrProviderNotFound)
}

// KindName returns a short label for the taxonomy kind of err, used in logs
// and the failure log.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrRateLimited)
}
