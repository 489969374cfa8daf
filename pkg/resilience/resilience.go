package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError marks a provider response that asked us to back off.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// RetryPolicy retries a provider call a bounded number of times with a
// linearly growing pause between attempts.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	p := RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 2
	}
	if p.Backoff <= 0 {
		p.Backoff = 200 * time.Millisecond
	}
	return p
}

func (p RetryPolicy) Do(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.MaxRetries {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * p.Backoff)
	}
}

// CircuitBreaker shuts a provider off for a cooldown period after repeated
// rate-limit failures, so a throttled vendor is not hammered further. Only
// rate-limit errors count toward tripping it.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	strikes   int
	closedAt  time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	b := &CircuitBreaker{threshold: threshold, cooldown: cooldown}
	if b.threshold <= 0 {
		b.threshold = 3
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	return b
}

// Allow reports whether a call may proceed. The breaker re-closes itself
// once the cooldown has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !time.Now().Before(b.closedAt)
}

func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	b.strikes = 0
	b.closedAt = time.Time{}
	b.mu.Unlock()
}

func (b *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	b.mu.Lock()
	b.strikes++
	if b.strikes >= b.threshold {
		b.closedAt = time.Now().Add(b.cooldown)
	}
	b.mu.Unlock()
}
