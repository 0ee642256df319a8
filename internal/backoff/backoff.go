// Package backoff implements bounded retry with exponential backoff and full
// jitter for the engine's external calls (credential issuance, object store).
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop. Zero values fall back to the defaults.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Default matches the credential-issuance contract: three attempts with
// jittered exponential backoff.
var Default = Policy{
	MaxAttempts:     3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2.0,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = Default.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = Default.Multiplier
	}
	return p
}

// interval computes the pre-jitter backoff for a 1-based attempt number.
func (p Policy) interval(attempt int) time.Duration {
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or the context ends. retryable decides which errors earn
// another attempt. Sleeps use full jitter: uniform in [0, interval].
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	p = p.normalized()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		jitterMs := rand.Int64N(p.interval(attempt).Milliseconds() + 1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(jitterMs) * time.Millisecond):
		}
	}
	return lastErr
}
