package gmail

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials means the server-side OAuth client credentials are
// absent. This is an operator configuration problem, not a provider fault.
var ErrMissingCredentials = errors.New("google oauth client credentials not configured")

// UpstreamAuthError is a terminal rejection of a credential by Google: an
// expired or reused authorization code, or a revoked refresh token. It is
// never retried; for a refresh token it makes the owning account ineligible
// for further automatic sync.
type UpstreamAuthError struct {
	Op     string // "exchange" or "refresh"
	Reason string // provider error code when known, e.g. "invalid_grant"
	Err    error
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("google rejected %s (%s): %v", e.Op, e.Reason, e.Err)
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

// UpstreamAPIError is a non-2xx response from a Gmail API call. Transient
// codes (429, 5xx) are eligible for a bounded internal retry.
type UpstreamAPIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamAPIError) Error() string {
	return fmt.Sprintf("gmail %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *UpstreamAPIError) Unwrap() error { return e.Err }

// Transient reports whether a retry within the same notification cycle is
// worthwhile.
func (e *UpstreamAPIError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// CursorExpiredError means the history cursor predates Gmail's retained
// window. Messages in the gap are unrecoverable through the history API;
// the caller must re-baseline via a new watch registration. This condition
// is never reported as an empty result.
type CursorExpiredError struct {
	Mailbox string
	Cursor  uint64
}

func (e *CursorExpiredError) Error() string {
	return fmt.Sprintf("history cursor %d for %s is past the retained window", e.Cursor, e.Mailbox)
}
