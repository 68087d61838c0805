package tokenapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport covers failures where no HTTP response was read.
	ErrTransport = errors.New("token service unreachable")
	// ErrMalformed means a response arrived but its shape is not usable.
	ErrMalformed = errors.New("malformed response from token service")
	// ErrRejected means the service answered with a non-2xx status.
	ErrRejected = errors.New("token service rejected the request")
	// ErrUnauthorized is returned after a 401; the session has been cleared.
	ErrUnauthorized = errors.New("session expired, run `portal login`")
)

// APIError carries the service's error body for a rejected call.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token service returned %d", e.Status)
	}
	return fmt.Sprintf("token service returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() []error {
	if e.Status == http.StatusUnauthorized {
		return []error{ErrRejected, ErrUnauthorized}
	}
	return []error{ErrRejected}
}

// CodeOf returns the service error code of err, or "".
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

func malformed(op, detail string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrMalformed, detail)
}
