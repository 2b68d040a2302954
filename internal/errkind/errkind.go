package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind partitions every failure into exactly one retry-policy class. Handlers
// and middleware never inspect status codes or vendor payloads directly; the
// client that observed the failure constructs the typed error and everything
// above it goes through Classify.
type Kind int

const (
	// KindTransient is the default: network faults, 5xx responses, timeouts.
	// Subject to the bounded retry policy.
	KindTransient Kind = iota
	// KindValidation marks malformed or unsigned input. Rejected, never retried.
	KindValidation
	// KindRateLimited signals vendor flow control. Rescheduled after a delay
	// without consuming a retry attempt.
	KindRateLimited
	// KindUnauthorized signals expired or revoked credentials. The
	// organisation is marked unhealthy and its pending work cancelled.
	KindUnauthorized
	// KindFatal marks programming or contract errors. Surfaced, never retried.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

const defaultRetryAfter = 60 * time.Second

// RateLimitError reports vendor flow control with an optional vendor-supplied
// backoff delay.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited: %v", e.Err)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Delay returns the vendor-supplied backoff, or a default when absent.
func (e *RateLimitError) Delay() time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return defaultRetryAfter
}

// UnauthorizedError reports an authentication failure against the vendor API.
type UnauthorizedError struct {
	Err error
}

func (e *UnauthorizedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unauthorized: %v", e.Err)
	}
	return "unauthorized"
}

func (e *UnauthorizedError) Unwrap() error { return e.Err }

// ValidationError reports malformed input or a contract mismatch.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %v", e.Err)
	}
	return "validation error"
}

func (e *ValidationError) Unwrap() error { return e.Err }

// FatalError reports a programming or contract error that retrying cannot fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %v", e.Err)
	}
	return "fatal error"
}

func (e *FatalError) Unwrap() error { return e.Err }

func RateLimited(err error, retryAfter time.Duration) error {
	return &RateLimitError{RetryAfter: retryAfter, Err: err}
}

func Unauthorized(err error) error { return &UnauthorizedError{Err: err} }

func Validation(err error) error { return &ValidationError{Err: err} }

func Fatal(err error) error { return &FatalError{Err: err} }

// Classify maps any error onto its Kind. Unrecognized errors are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	var ua *UnauthorizedError
	if errors.As(err, &ua) {
		return KindUnauthorized
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return KindFatal
	}
	return KindTransient
}

// FromHTTPResponse is the shared per-vendor classifier: it turns an HTTP
// failure into a typed error so callers never sniff status codes themselves.
func FromHTTPResponse(status int, header http.Header, msg string) error {
	base := fmt.Errorf("%s: status %d", msg, status)
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimited(base, parseRetryAfter(header))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized(base)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return Validation(base)
	case status >= 500:
		return base
	case status >= 400:
		return Fatal(base)
	default:
		return base
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
