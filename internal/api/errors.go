package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidPIN is returned for a PIN that isn't exactly six digits.
	ErrInvalidPIN = errors.New("PIN must be exactly 6 digits")

	// ErrInvalidJSON is returned when a response body isn't JSON.
	ErrInvalidJSON = errors.New("server returned invalid JSON")

	// ErrUnexpectedFormat is returned when a response is JSON of the wrong
	// shape.
	ErrUnexpectedFormat = errors.New("unexpected API response format")

	// ErrForeignURL is returned for a media URL outside the API's origin.
	ErrForeignURL = errors.New("media URL is not on the API host")
)

// Error is a non-2xx response from the API. Callers can use errors.As to
// get at the status:
//
//	var apiErr *api.Error
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests { ... }
type Error struct {
	// Op is the operation that failed, eg: "messages".
	Op         string
	StatusCode int
	Body       string

	// Message overrides the default error text.
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsAuthFailure reports whether err is a 401 or 403 from the API.
func IsAuthFailure(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// pinError maps a failed PIN exchange to its user-facing message.
func pinError(status int, body string) *Error {
	e := &Error{Op: "pin", StatusCode: status, Body: body}
	switch status {
	case http.StatusUnauthorized:
		e.Message = "invalid PIN or PIN expired, request a new PIN from the bot"
	case http.StatusForbidden:
		e.Message = "access forbidden: " + body
	case http.StatusTooManyRequests:
		e.Message = "too many PIN requests, wait before trying again"
	case http.StatusServiceUnavailable:
		e.Message = "PIN authentication is currently disabled"
	default:
		e.Message = fmt.Sprintf("authentication failed: %d: %s", status, body)
	}
	return e
}
