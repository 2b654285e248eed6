package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies venue failures so callers can branch on retry policy
// instead of parsing error strings downstream.
type ErrorKind string

const (
	ErrNone              ErrorKind = ""
	ErrRateLimited       ErrorKind = "RATE_LIMITED"
	ErrAuthSequencing    ErrorKind = "AUTH_SEQUENCING"
	ErrTransientNetwork  ErrorKind = "TRANSIENT_NETWORK"
	ErrInvalidParams     ErrorKind = "INVALID_PARAMS"
	ErrInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	ErrUnknown           ErrorKind = "UNKNOWN"
)

// APIError is a classified venue error. Clients map venue-specific error
// strings and HTTP status codes into one of these at the response boundary.
type APIError struct {
	Kind       ErrorKind
	Venue      string
	HTTPStatus int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Venue, e.Kind, e.Msg)
}

// KindOf extracts the classification from an error chain. Plain network
// failures count as transient; everything unrecognized is Unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrNone
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransientNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransientNetwork
	}
	return ErrUnknown
}

// Retryable reports whether a kind is worth retrying with backoff.
// Auth-sequencing errors are retryable too, but on a separate policy
// (nonce jump + longer linear backoff), so they are not included here.
func Retryable(kind ErrorKind) bool {
	return kind == ErrRateLimited || kind == ErrTransientNetwork
}

// Permanent reports whether a kind must surface immediately without retry.
func Permanent(kind ErrorKind) bool {
	return kind == ErrInvalidParams || kind == ErrInsufficientFunds
}
