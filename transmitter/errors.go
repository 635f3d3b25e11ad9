package transmitter

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel failures of the outbound gateway. Callers branch on these to
// decide between retrying, backing off, and deactivating a consent.
var (
	// ErrUnavailable covers connection failures and an open circuit.
	ErrUnavailable = errors.New("transmitter: unavailable")
	// ErrUnauthorized means the access token was rejected.
	ErrUnauthorized = errors.New("transmitter: unauthorized")
	// ErrForbidden means the consent no longer grants the resource.
	ErrForbidden = errors.New("transmitter: forbidden")
	// ErrNotFound means the resource does not exist at the transmitter.
	ErrNotFound = errors.New("transmitter: not found")
	// ErrRateLimited means the transmitter returned 429.
	ErrRateLimited = errors.New("transmitter: rate limited")
	// ErrTransientServer covers 5xx responses.
	ErrTransientServer = errors.New("transmitter: transient server error")
	// ErrTimeout means the request deadline elapsed.
	ErrTimeout = errors.New("transmitter: timeout")
)

// ProtocolError reports a response the receptor could not interpret, such as
// malformed JSON or an unexpected status code.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transmitter: protocol error: %s", e.Detail)
}

// classifyStatus maps an HTTP status outside 2xx to the failure taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout:
		return ErrTimeout
	case status >= 500:
		return ErrTransientServer
	default:
		return &ProtocolError{Detail: fmt.Sprintf("unexpected status %d", status)}
	}
}

// retryable reports whether a failed attempt may be replayed. Client errors
// other than 408 and 429 are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransientServer),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrUnavailable):
		return true
	default:
		return false
	}
}
