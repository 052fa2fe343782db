package modelwire

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// APIError is the base error type for provider failures. Concrete error
// types embed it so callers can match either the concrete type or the base
// via errors.As.
type APIError struct {
	Message string
	Status  int
	Cause   error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// CancelledError indicates the user cancelled the operation. It is terminal:
// never retried, and it short-circuits fallback.
type CancelledError struct{ APIError }

// UnauthorizedError indicates the session's credentials were rejected. It is
// fatal and propagated unchanged; retrying cannot help.
type UnauthorizedError struct{ APIError }

// RateLimitError is a 429 from the provider; retryable with backoff.
type RateLimitError struct{ APIError }

// ServerError is a 5xx from the provider; retryable with backoff.
type ServerError struct{ APIError }

// QuotaError indicates the provider's quota is exhausted. Terminal quota
// errors abort immediately; non-terminal ones are eligible for model
// fallback. Pro marks exhaustion of a premium tier specifically.
type QuotaError struct {
	APIError
	Terminal bool
	Pro      bool
}

// ErrorFromStatus maps an HTTP-style status code to the matching error type.
func ErrorFromStatus(status int, message string) error {
	base := APIError{Message: message, Status: status}
	switch {
	case status == 401:
		return &UnauthorizedError{base}
	case status == 429:
		return &RateLimitError{base}
	case status >= 500 && status < 600:
		return &ServerError{base}
	default:
		return &base
	}
}

// StatusOf extracts the provider status code from err, or 0 if none is
// attached. Concrete taxonomy types embed APIError by value, so each is
// matched explicitly before falling back to a bare *APIError in the chain.
func StatusOf(err error) int {
	var (
		c  *CancelledError
		u  *UnauthorizedError
		rl *RateLimitError
		se *ServerError
		q  *QuotaError
	)
	switch {
	case errors.As(err, &c):
		return c.Status
	case errors.As(err, &u):
		return u.Status
	case errors.As(err, &rl):
		return rl.Status
	case errors.As(err, &se):
		return se.Status
	case errors.As(err, &q):
		return q.Status
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.Status
	}
	return 0
}

var serverErrorPattern = regexp.MustCompile(`\b5\d{2}\b`)

// IsCancellation reports whether err represents user cancellation, either as
// a CancelledError or a context cancellation.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var c *CancelledError
	return errors.As(err, &c) || errors.Is(err, context.Canceled)
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var u *UnauthorizedError
	return errors.As(err, &u)
}

// IsRateLimit reports whether err is a 429, by type, status, or a "429"
// token in the message (weaker providers stringify their errors).
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	if StatusOf(err) == 429 {
		return true
	}
	return strings.Contains(err.Error(), "429")
}

// IsServerError reports whether err is a 5xx, by type, status, or a 3-digit
// 5xx token in the message.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	var se *ServerError
	if errors.As(err, &se) {
		return true
	}
	if s := StatusOf(err); s >= 500 && s < 600 {
		return true
	}
	return serverErrorPattern.MatchString(err.Error())
}

// IsTerminalQuota reports whether err is a quota error that must not be
// retried or fallen back from.
func IsTerminalQuota(err error) bool {
	var q *QuotaError
	return errors.As(err, &q) && q.Terminal
}

// IsProQuota reports whether err is a premium-tier quota exhaustion,
// fallback-eligible.
func IsProQuota(err error) bool {
	var q *QuotaError
	return errors.As(err, &q) && !q.Terminal && q.Pro
}

// IsGenericQuota reports whether err is a non-terminal, non-premium quota
// exhaustion, fallback-eligible.
func IsGenericQuota(err error) bool {
	var q *QuotaError
	return errors.As(err, &q) && !q.Terminal && !q.Pro
}

// IsRetryable reports whether err is safe to retry with backoff: rate limits
// and server errors are, everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancellation(err) || IsUnauthorized(err) {
		return false
	}
	var q *QuotaError
	if errors.As(err, &q) {
		return false
	}
	return IsRateLimit(err) || IsServerError(err)
}
