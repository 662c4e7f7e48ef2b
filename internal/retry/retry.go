// Package retry decides whether and when a failed execution gets another
// attempt.
package retry

import (
	"time"

	"github.com/jfourny/etlrun/internal/domain"
)

// Decision is the outcome for one failed attempt. When Retry is false the
// execution stays terminally failed.
type Decision struct {
	Retry bool
	At    time.Time
}

// Decide applies the job's retry policy to a failure of the given attempt
// (1-based). Non-retryable failure classes go straight to terminal failed
// regardless of remaining attempts.
func Decide(policy domain.RetryPolicy, attempt int, class domain.ErrorClass, now time.Time) Decision {
	if !class.Retryable() {
		return Decision{}
	}
	if attempt >= policy.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, At: now.Add(Delay(policy, attempt))}
}

// Delay returns the wait before the attempt following failedAttempt:
// BaseDelay * Multiplier^(failedAttempt-1).
func Delay(policy domain.RetryPolicy, failedAttempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(policy.BaseDelay)
	for i := 1; i < failedAttempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}
