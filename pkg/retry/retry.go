// Copyright 2024-2026 Aiku AI

// Package retry wraps fallible network calls with error classification and
// capped exponential backoff.
//
// Two policies cover every call the bridge makes: [Bounded] gives up after a
// fixed number of attempts, [Forever] never gives up and is used for the
// long-poll fetches. The difference is only the Policy.MaxAttempts value.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Policy describes how many times a call is attempted and how long to wait
// between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts. Zero means retry forever.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt. It doubles with
	// every further attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single delay, jitter included.
	MaxDelay time.Duration
	// Jitter is the upper bound of the random delay added to each backoff.
	Jitter time.Duration
}

// Bounded is the default policy for sends, uploads and downloads.
var Bounded = Policy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    8 * time.Second,
	Jitter:      200 * time.Millisecond,
}

// Forever is the policy for long-poll fetches.
var Forever = Policy{
	MaxAttempts: 0,
	BaseDelay:   800 * time.Millisecond,
	MaxDelay:    8 * time.Second,
	Jitter:      200 * time.Millisecond,
}

// Unlimited reports whether the policy never gives up.
func (p Policy) Unlimited() bool {
	return p.MaxAttempts <= 0
}

// Delay returns the wait before attempt number attempt+1, where attempt
// counts from zero.
func (p Policy) Delay(attempt int, jitter time.Duration) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt && i < 32 && (p.MaxDelay <= 0 || delay < p.MaxDelay); i++ {
		delay *= 2
	}
	delay += jitter
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor runs calls under a Policy. The zero value is not usable; use New.
type Executor struct {
	policy   Policy
	log      zerolog.Logger
	sleep    SleepFunc
	jitter   func(max time.Duration) time.Duration
	limiters *limiterSet
	key      string
	quiet    map[int]bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for retry warnings.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithJitter replaces the jitter source, mainly for tests.
func WithJitter(jitter func(max time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = jitter }
}

// WithRateLimit throttles attempts to perSecond calls per key. Executors
// derived with Keyed share the limiter table. Zero disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Executor) {
		if perSecond <= 0 {
			e.limiters = nil
			return
		}
		e.limiters = newLimiterSet(rate.Limit(perSecond), burst)
	}
}

// WithQuietStatus logs retries of calls failing with one of statuses at
// debug level, e.g. long-poll gateway timeouts.
func WithQuietStatus(statuses ...int) Option {
	return func(e *Executor) {
		e.quiet = make(map[int]bool, len(statuses))
		for _, s := range statuses {
			e.quiet[s] = true
		}
	}
}

// New creates an Executor for the given policy.
func New(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: policy,
		log:    zerolog.Nop(),
		sleep:  sleepContext,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// WithPolicy returns a copy of the executor using a different policy. The
// copy shares logger, limiter table and key.
func (e *Executor) WithPolicy(policy Policy) *Executor {
	clone := *e
	clone.policy = policy
	return &clone
}

// Keyed returns a copy of the executor whose attempts are throttled under
// key. Copies with the same key share one limiter.
func (e *Executor) Keyed(key string) *Executor {
	clone := *e
	clone.key = key
	return &clone
}

// Do runs fn until it succeeds, returns a non-retryable error, the policy
// gives up or ctx is done. label names the call in log output.
func (e *Executor) Do(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; e.policy.Unlimited() || attempt < e.policy.MaxAttempts; attempt++ {
		if err := e.wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Classify(err).Retryable() {
			return err
		}
		if !e.policy.Unlimited() && attempt+1 >= e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt, e.jitter(e.policy.Jitter))
		if after := RetryAfter(err); after > delay {
			delay = after
		}
		status := Status(err)
		evt := e.log.Warn()
		if e.quiet[status] {
			evt = e.log.Debug()
		}
		evt = evt.
			Str("call", label).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Err(RedactError(err))
		if status != 0 {
			evt = evt.Int("status", status)
		}
		if !e.policy.Unlimited() {
			evt = evt.Int("max_attempts", e.policy.MaxAttempts)
		}
		evt.Msg("Call failed, retrying")

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// Sleep waits for d with the executor's sleep function.
func (e *Executor) Sleep(ctx context.Context, d time.Duration) error {
	return e.sleep(ctx, d)
}

func (e *Executor) wait(ctx context.Context) error {
	if e.limiters == nil {
		return ctx.Err()
	}
	return e.limiters.get(e.key).Wait(ctx)
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, e *Executor, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, label, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
