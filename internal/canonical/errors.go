package canonical

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// AuthError means the credential is invalid or expired beyond refresh.
type AuthError struct {
	ConnectionID string
	StatusCode   int
	Message      string
	Err          error
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth error for connection %s: status=%d %s", e.ConnectionID, e.StatusCode, msg)
	}
	return fmt.Sprintf("auth error for connection %s: %s", e.ConnectionID, msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CapabilityError is raised before any network call when an adapter does not
// declare the requested operation.
type CapabilityError struct {
	AdapterKind  string
	ConnectionID string
	Entity       Entity
	Operation    Operation
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("adapter %s (connection %s) does not support %s on %s", e.AdapterKind, e.ConnectionID, e.Operation, e.Entity)
}

type RateLimitExceeded struct {
	ConnectionID string
	RetryAfter   time.Duration
}

func (e *RateLimitExceeded) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for connection %s, retry after %s", e.ConnectionID, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for connection %s", e.ConnectionID)
}

// NormalizationError is recorded on the Sync Event; the event is then skipped.
type NormalizationError struct {
	AdapterKind string
	Field       string
	Message     string
}

func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("normalize %s: field %s: %s", e.AdapterKind, e.Field, e.Message)
	}
	return fmt.Sprintf("normalize %s: %s", e.AdapterKind, e.Message)
}

// TransientNetworkError covers timeouts, connection failures and 5xx responses.
type TransientNetworkError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient status=%d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ProviderError is a non-retryable rejection from the remote side (4xx other
// than 401, 403 and 429).
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider rejected request: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider rejected request: status=%d message=%s", e.StatusCode, e.Message)
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	var rl *RateLimitExceeded
	var tn *TransientNetworkError
	return errors.As(err, &rl) || errors.As(err, &tn)
}

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsCapabilityError(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}

// RetryAfterHint extracts a server-provided retry delay, if any.
func RetryAfterHint(err error) time.Duration {
	var rl *RateLimitExceeded
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	var tn *TransientNetworkError
	if errors.As(err, &tn) {
		return tn.RetryAfter
	}
	return 0
}
