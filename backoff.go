package gnats

import (
	"math"
	"time"
)

// BackoffStrategy is a function that computes the wait before the next attempt
// against an endpoint. It receives the endpoint's attempt number (1-based),
// the previous delay, and the error from the last connection attempt.
type BackoffStrategy func(attempt int, currentBackoff time.Duration, err error) time.Duration

// LinearBackoff waits base*attempt, capped at maxDelay.
func LinearBackoff(base, maxDelay time.Duration) BackoffStrategy {
	return func(attempt int, _ time.Duration, _ error) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base * time.Duration(attempt)
		if maxDelay > 0 && d > maxDelay {
			d = maxDelay
		}
		return d
	}
}

// FixedBackoff always waits delay.
func FixedBackoff(delay time.Duration) BackoffStrategy {
	if delay < 0 {
		delay = 0
	}
	return func(int, time.Duration, error) time.Duration {
		return delay
	}
}

// ExponentialBackoff waits base*factor^(attempt-1), capped at maxDelay.
func ExponentialBackoff(base, maxDelay time.Duration, factor float64) BackoffStrategy {
	if factor < 1 {
		factor = 2
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return func(attempt int, _ time.Duration, _ error) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := float64(base) * math.Pow(factor, float64(attempt-1))
		if d > float64(maxDelay) {
			return maxDelay
		}
		return time.Duration(d)
	}
}

// waitBeforeAttempt returns how long to wait before dialing ep again,
// accounting for the time already spent since its previous attempt.
func waitBeforeAttempt(strategy BackoffStrategy, ep ServerEndpoint, prev time.Duration, lastErr error) time.Duration {
	if ep.LastAttempt.IsZero() {
		return 0
	}
	delay := strategy(ep.Reconnects+1, prev, lastErr)
	if elapsed := time.Since(ep.LastAttempt); elapsed < delay {
		return delay - elapsed
	}
	return 0
}
