package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		maxAttempts: 3,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// NewRetryPolicy builds a policy allowing maxRetries retries after the first attempt.
func NewRetryPolicy(maxRetries int, base, maxDelay time.Duration) *ExponentialRetryPolicy {
	p := NewExponentialRetryPolicy()
	if maxRetries >= 0 {
		p.maxAttempts = maxRetries
	}
	if base > 0 {
		p.baseDelay = base
	}
	if maxDelay > 0 {
		p.maxDelay = maxDelay
	}
	return p
}

// ShouldRetry retries transient errors only. attempt counts retries already made.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	return IsTransient(err)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
