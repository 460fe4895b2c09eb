package fetcher

import (
	"errors"
	"fmt"
)

// ErrExhausted is matched by every error returned after the retry budget ran
// out and no snapshot existed to fall back to.
var ErrExhausted = errors.New("fetcher: retries exhausted and no snapshot available")

// TransportError wraps network and timeout failures.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError reports a body that is not the expected JSON shape.
type MalformedResponseError struct {
	Endpoint string
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Endpoint, e.Reason)
}

// StatusError reports a non-2xx upstream status. 4xx and 5xx are treated alike.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Endpoint, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: upstream status %d", e.Endpoint, e.Status)
}

// ExhaustedError is returned when all attempts failed and the cache was empty.
type ExhaustedError struct {
	Endpoint string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts with no snapshot: %v", e.Endpoint, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

// outcome labels an attempt failure for metrics and logs.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		status    *StatusError
		malformed *MalformedResponseError
	)
	switch {
	case errors.As(err, &status):
		return "status"
	case errors.As(err, &malformed):
		return "malformed"
	default:
		return "transport"
	}
}
