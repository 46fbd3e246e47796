// Package errcode defines the error vocabulary shared by every arcflow
// component boundary. Components return *Error values so that callers
// (the websocket gateway, the REST API) can map failures onto wire
// frames and HTTP statuses without string matching.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class on the wire.
type Code string

const (
	AuthFailed         Code = "AUTH_FAILED"
	ConnLimit          Code = "CONN_LIMIT"
	RateLimit          Code = "RATE_LIMIT"
	Validation         Code = "VALIDATION_ERROR"
	NotFound           Code = "NOT_FOUND"
	NotInProject       Code = "NOT_IN_PROJECT"
	SizeLimit          Code = "SIZE_LIMIT"
	KVUnavailable      Code = "KV_UNAVAILABLE"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	Processing         Code = "PROCESSING_ERROR"
)

// Error carries a taxonomy code, a human-readable message and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a taxonomy error without a cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a taxonomy error around an underlying cause.
func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err. Errors that never got
// classified come back as PROCESSING_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Processing
}

// MessageOf extracts the taxonomy message, falling back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// HTTPStatus maps a taxonomy code onto an HTTP status for the REST surface.
func HTTPStatus(code Code) int {
	switch code {
	case AuthFailed:
		return http.StatusUnauthorized
	case ConnLimit, RateLimit:
		return http.StatusTooManyRequests
	case Validation:
		return http.StatusUnprocessableEntity
	case NotFound:
		return http.StatusNotFound
	case NotInProject:
		return http.StatusForbidden
	case SizeLimit:
		return http.StatusRequestEntityTooLarge
	case KVUnavailable, ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
