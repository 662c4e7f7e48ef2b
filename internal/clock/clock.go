// Package clock abstracts time for the engine: a monotonic-ish Now and a
// cancellable sleep. The fake used in tests lives in internal/testutil.
package clock

import (
	"context"
	"time"
)

type Clock interface {
	Now() time.Time

	// SleepUntil blocks until t or ctx cancellation, whichever comes first.
	// Returns ctx.Err() when cancelled, nil otherwise.
	SleepUntil(ctx context.Context, t time.Time) error
}

// Real is the wall-clock implementation.
type Real struct{}

func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
