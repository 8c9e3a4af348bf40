// Package errs defines the error kinds shared across the explorer core and
// their mapping onto HTTP status codes at the API boundary.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Components wrap these with %w so callers can classify
// failures without string matching.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrDecode      = errors.New("decode error")
	ErrTimeout     = errors.New("timeout")
	ErrInternal    = errors.New("internal error")
)

func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

func Decode(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

func Internal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

func IsBadRequest(err error) bool { return errors.Is(err, ErrBadRequest) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsTimeout(err error) bool    { return errors.Is(err, ErrTimeout) }

// HTTPStatus maps an error to the status code served by the API layer.
// Unclassified errors are treated as internal.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
