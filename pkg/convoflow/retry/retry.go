package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// Retryable optionally overrides the default retryability check.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of another attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy is the standard retry configuration.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = Policy{
	MaxAttempts: 1,
}

// Do executes fn until it succeeds, returns a non-retryable error, runs
// out of attempts, or ctx is done. Failures are returned as
// *CategorizedError carrying the attempt count.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	backoff := p.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &CategorizedError{Err: err, Category: CategoryPermanent, Attempts: attempt - 1, Op: "context cancelled"}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, &CategorizedError{Err: err, Category: Categorize(err), Attempts: attempt}
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := withJitter(backoff, p.Jitter)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Attempts: attempt, Op: "context cancelled during backoff"}
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * p.BackoffFactor)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return zero, &CategorizedError{
		Err:      lastErr,
		Category: Categorize(lastErr),
		Attempts: p.MaxAttempts,
		Op:       "max retries exceeded",
	}
}

func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	// base +/- (base * jitter * random)
	delta := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + delta)
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n }
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) Option {
	return func(p *Policy) { p.InitialBackoff = d }
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) Option {
	return func(p *Policy) { p.MaxBackoff = d }
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) Option {
	return func(p *Policy) { p.Jitter = j }
}

// WithRetryable sets a custom retryability check.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) { p.Retryable = fn }
}

// WithOnRetry sets a hook called before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(p *Policy) { p.OnRetry = fn }
}

// NewPolicy creates a policy from DefaultPolicy with the given options.
func NewPolicy(opts ...Option) Policy {
	p := DefaultPolicy
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
