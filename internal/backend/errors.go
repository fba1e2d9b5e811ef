package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotConfigured is returned when the base URL or credentials are missing.
var ErrNotConfigured = errors.New("backend API not configured")

// Kind classifies a backend failure for the user-facing message.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection"
	KindAuth       Kind = "auth"
	KindAPI        Kind = "api"
)

// Error is a classified backend failure.
type Error struct {
	Kind       Kind
	Op         string // endpoint name, e.g. "login"
	StatusCode int    // HTTP status for KindAPI errors with a response, else 0
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("backend %s: %s error", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a backend error, or "" when err is not one.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsUnauthorized reports whether err is an API error carrying HTTP 401.
func IsUnauthorized(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindAPI && be.StatusCode == http.StatusUnauthorized
}

// classifyTransport maps an error from http.Client.Do, where no response was
// received, to timeout or connection.
func classifyTransport(op string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	// Refused, unreachable, DNS failures and any other request that produced
	// no response.
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func apiError(op string, status int, err error) *Error {
	return &Error{Kind: KindAPI, Op: op, StatusCode: status, Err: err}
}
