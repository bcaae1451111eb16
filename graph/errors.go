package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the credential manager and the REST transport.
// The MCP layer maps these to structured tool errors at the dispatch boundary.
var (
	// ErrReauthRequired indicates silent token acquisition failed and the
	// account needs an interactive sign-in.
	ErrReauthRequired = errors.New("reauthentication required")
	// ErrInvalidArguments indicates a tool input failed validation before any
	// outbound call was made.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrTimeout indicates an outbound call exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrRateLimited indicates the upstream kept throttling after the bounded
	// Retry-After backoff attempts were exhausted.
	ErrRateLimited = errors.New("rate limited by upstream")
)

// UpstreamError carries a non-retryable Graph API failure back to the caller.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("graph request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("graph request failed: status %d: %s", e.StatusCode, e.Body)
}
