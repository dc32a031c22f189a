// Package httperr implements the QKD error taxonomy from the spec's
// error-handling design and maps each kind to its HTTP boundary status.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the spec's error categories.
type Kind string

const (
	KindValidation      Kind = "ValidationError"
	KindUnknownSAE      Kind = "UnknownSAE"
	KindNotFound        Kind = "NotFound"
	KindPartialResult   Kind = "PartialResult"
	KindKeysUnavailable Kind = "KeysUnavailable"
	KindBusy            Kind = "Busy"
	KindAlreadyExists   Kind = "AlreadyExists"
	KindInsufficientKey Kind = "InsufficientKeys"
	KindForbidden       Kind = "Forbidden"
	KindTransport       Kind = "TransportError"
	KindConfig          Kind = "ConfigError"
	KindInternal        Kind = "InternalError"
)

var statusByKind = map[Kind]int{
	KindValidation:      http.StatusBadRequest,
	KindUnknownSAE:      http.StatusBadRequest,
	KindNotFound:        http.StatusNotFound,
	KindPartialResult:   http.StatusPartialContent,
	KindKeysUnavailable: http.StatusServiceUnavailable,
	KindBusy:            http.StatusServiceUnavailable,
	KindAlreadyExists:   http.StatusBadRequest,
	KindInsufficientKey: http.StatusBadRequest,
	KindForbidden:       http.StatusForbidden,
	KindTransport:       http.StatusBadGateway,
	KindConfig:          http.StatusInternalServerError,
	KindInternal:        http.StatusInternalServerError,
}

// Error is a structured, kind-tagged error carrying its HTTP mapping.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the boundary status code for this error's kind.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetails attaches structured detail fields and returns the error.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error      { return New(KindValidation, message) }
func UnknownSAE(saeID string) *Error        { return New(KindUnknownSAE, "unknown SAE").WithDetails("sae_id", saeID) }
func NotFound(resource, id string) *Error {
	return New(KindNotFound, "not found").WithDetails("resource", resource).WithDetails("id", id)
}
func PartialResult(message string) *Error   { return New(KindPartialResult, message) }
func KeysUnavailable(message string) *Error { return New(KindKeysUnavailable, message) }
func Busy(message string) *Error            { return New(KindBusy, message) }
func AlreadyExists(resource, id string) *Error {
	return New(KindAlreadyExists, "already exists").WithDetails("resource", resource).WithDetails("id", id)
}
func InsufficientKeys(saeID string, requested, available int) *Error {
	return New(KindInsufficientKey, "insufficient keys available").
		WithDetails("sae_id", saeID).WithDetails("requested", requested).WithDetails("available", available)
}
func Forbidden(message string) *Error { return New(KindForbidden, message) }
func Transport(message string, err error) *Error {
	return Wrap(KindTransport, message, err)
}
func Config(message string) *Error { return New(KindConfig, message) }

// IsKind reports whether err (or a wrapped cause) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// As extracts the *Error from an error chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus returns the mapped status for any error, defaulting to 500
// for errors that are not a *Error.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
