package messaging

import "time"

// RetryPolicy bounds how often a failed mail message is retried. The
// original design retried every dispatch period forever; a
// permanently-misconfigured transport would churn the failure log
// indefinitely. Exhausted messages stay in the failure log as dead letters
// for operator inspection but are no longer requeued.
type RetryPolicy struct {
	// MaxAttempts is the retry budget per message.
	MaxAttempts int

	// InitialBackoff is the delay before the first durable retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// Multiplier grows the backoff exponentially.
	Multiplier float64
}

// DefaultRetryPolicy returns the production policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Minute,
		MaxBackoff:     2 * time.Hour,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay before retry number attempts (1-based).
// Formula: min(initial * multiplier^(attempts-1), max).
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempts; i++ {
		d *= p.Multiplier
	}
	if out := time.Duration(d); out < p.MaxBackoff {
		return out
	}
	return p.MaxBackoff
}

// Exhausted reports whether the retry budget is spent.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
