package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error kinds reported by the fetcher.
var (
	ErrTimeout     = errors.New("timeout")
	ErrConnection  = errors.New("connection")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not_found")
	ErrRateLimited = errors.New("rate_limited")
)

// RequestError is a classified request failure.
type RequestError struct {
	URL    string
	Status int
	Kind   error
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%v: %s: status %d: %v", e.Kind, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *RequestError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// classifyError maps a transport error or HTTP status to one of the error
// kinds. Unclassified errors are returned unchanged.
func classifyError(url string, err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	wrap := func(kind error) error {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("http status %d", statusCode)
		}
		return &RequestError{URL: url, Status: statusCode, Kind: kind, Err: cause}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(ErrTimeout)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return wrap(ErrConnection)
	}

	switch statusCode {
	case http.StatusForbidden:
		return wrap(ErrForbidden)
	case http.StatusNotFound:
		return wrap(ErrNotFound)
	case http.StatusTooManyRequests:
		return wrap(ErrRateLimited)
	}

	if err == nil {
		return fmt.Errorf("%s: http status %d", url, statusCode)
	}
	return err
}

func errorTypeLabel(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "other"
	}
}
