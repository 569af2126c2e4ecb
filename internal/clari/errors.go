package clari

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a classified upstream failure. Retriable errors are retried by
// the client; anything else aborts the caller.
type APIError struct {
	Status    int
	URL       string
	Body      string
	Retriable bool
	Err       error
}

func (e *APIError) Error() string {
	kind := "fatal"
	if e.Retriable {
		kind = "retriable"
	}
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s error requesting %s: %v", kind, e.URL, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s error: HTTP %d from %s: %s", kind, e.Status, e.URL, e.Body)
	default:
		return fmt.Sprintf("%s error: HTTP %d from %s", kind, e.Status, e.URL)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether err is a retriable upstream failure.
func IsRetriable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retriable
}

// IsFatal reports whether err is a non-retriable upstream failure.
func IsFatal(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Retriable
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func retriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func retriableTransportError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
