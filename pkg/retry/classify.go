// Copyright 2024-2026 Aiku AI

package retry

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class is the retry classification of an error.
type Class int

const (
	// ClassRetryable covers rate limiting, server errors and transport
	// failures that never produced a status code.
	ClassRetryable Class = iota
	// ClassClient covers 4xx responses other than 429 and 409. These are
	// never retried.
	ClassClient
	// ClassConflict is a 409: another consumer owns the update stream.
	ClassConflict
	// ClassCanceled means the caller's context ended.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassClient:
		return "client"
	case ClassConflict:
		return "conflict"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this class are worth another attempt.
func (c Class) Retryable() bool {
	return c == ClassRetryable
}

// StatusError is implemented by API errors that carry an HTTP status.
type StatusError interface {
	error
	HTTPStatus() int
}

// RetryAfterError is implemented by API errors that tell the client how long
// to back off.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Classify sorts err into a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}
	// A deadline here is a per-request timeout; the caller's own context is
	// checked separately by Do.
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	status := Status(err)
	switch {
	case status == 0:
		return ClassRetryable
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusTooManyRequests:
		return ClassRetryable
	case status >= 500:
		return ClassRetryable
	case status >= 400:
		return ClassClient
	default:
		return ClassRetryable
	}
}

// Status extracts the HTTP status from err, or 0 if there is none.
func Status(err error) int {
	var statusErr StatusError
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatus()
	}
	return 0
}

// RetryAfter extracts a server-requested backoff from err, or 0.
func RetryAfter(err error) time.Duration {
	var afterErr RetryAfterError
	if errors.As(err, &afterErr) {
		return afterErr.RetryAfter()
	}
	return 0
}

// IsClientError reports whether err is a non-retryable 4xx response.
func IsClientError(err error) bool {
	return Classify(err) == ClassClient
}

// IsConflict reports whether err is a 409 response.
func IsConflict(err error) bool {
	return Classify(err) == ClassConflict
}

var secretLike = regexp.MustCompile(`[A-Za-z0-9_\-]{24,}`)

// Redact masks every run of 24 or more token-ish characters. Bot tokens,
// file paths and session ids all end up as ***.
func Redact(s string) string {
	return secretLike.ReplaceAllString(s, "***")
}

// RedactError wraps err so that its message is redacted while errors.Is and
// errors.As still see the original.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	return redactedError{err}
}

type redactedError struct{ err error }

func (r redactedError) Error() string { return Redact(r.err.Error()) }
func (r redactedError) Unwrap() error { return r.err }

type limiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *limiterSet) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}
