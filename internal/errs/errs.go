package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error code returned to API callers.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindInvalidDecimals     Kind = "invalid_decimals"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindAmountMismatch      Kind = "amount_mismatch"
	KindOracleBlock         Kind = "oracle_block"
	KindNotFound            Kind = "not_found"
	KindInvalidTransition   Kind = "invalid_transition"
	KindConflict            Kind = "conflict"
	KindUnauthorized        Kind = "unauthorized"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal_error"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInvalidDecimals     = &Error{Kind: KindInvalidDecimals}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrAmountMismatch      = &Error{Kind: KindAmountMismatch}
	ErrOracleBlock         = &Error{Kind: KindOracleBlock}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrUnavailable         = &Error{Kind: KindUnavailable}
)

// E builds a kinded error. The format supports %w.
func E(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the HTTP layer returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidDecimals:
		return http.StatusBadRequest
	case KindInsufficientBalance, KindAmountMismatch:
		return http.StatusUnprocessableEntity
	case KindOracleBlock:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable code for err.
func Code(err error) string {
	return string(KindOf(err))
}
