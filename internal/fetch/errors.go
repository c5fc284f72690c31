package fetch

import "fmt"

// AuthError represents a session-level rejection: the server answered with an
// auth status, redirected to a login page, or served something that is not an
// archive. It is never retried locally; the scheduler escalates it into the
// pause/refresh protocol.
type AuthError struct {
	URL        string // Request URL that was rejected
	Reason     string // Human-readable explanation of the rejection signal
	StatusCode int    // HTTP status code, if the signal was status-based (0 otherwise)
	Err        error  // Underlying error, if any
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("session rejected (HTTP %d): %s", e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("session rejected: %s", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransientError represents a network-level failure not attributable to auth:
// connection resets, timeouts, 5xx responses, interrupted streams. Eligible
// for bounded local retry.
type TransientError struct {
	URL        string
	Operation  string // "probe" or "fetch"
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure during %s (HTTP %d)", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("transient failure during %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// SizeMismatchError is returned when the stream ended short of the declared
// content length. Retried like a transient failure but logged distinctly.
type SizeMismatchError struct {
	URL      string
	Expected int64
	Received int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: received %d of %d declared bytes", e.Received, e.Expected)
}
