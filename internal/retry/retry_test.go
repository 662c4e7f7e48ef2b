package retry

import (
	"testing"
	"time"

	"github.com/jfourny/etlrun/internal/domain"
)

func TestDelay_ExponentialBackoff(t *testing.T) {
	policy := domain.RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   300 * time.Second,
		Multiplier:  2,
	}

	tests := []struct {
		failedAttempt int
		want          time.Duration
	}{
		{1, 300 * time.Second},
		{2, 600 * time.Second},
		{3, 1200 * time.Second},
	}

	for _, tt := range tests {
		if got := Delay(policy, tt.failedAttempt); got != tt.want {
			t.Errorf("Delay(attempt=%d) = %s, want %s", tt.failedAttempt, got, tt.want)
		}
	}
}

func TestDelay_MultiplierFloor(t *testing.T) {
	policy := domain.RetryPolicy{BaseDelay: time.Minute, Multiplier: 0.5}
	if got := Delay(policy, 3); got != time.Minute {
		t.Errorf("multiplier below 1 should not shrink delay, got %s", got)
	}
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	policy := domain.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		Multiplier:  2,
	}

	tests := []struct {
		name    string
		attempt int
		class   domain.ErrorClass
		want    bool
		wantAt  time.Time
	}{
		{"transient first attempt", 1, domain.ClassTransient, true, now.Add(30 * time.Second)},
		{"transient second attempt", 2, domain.ClassTransient, true, now.Add(60 * time.Second)},
		{"attempts exhausted", 3, domain.ClassTransient, false, time.Time{}},
		{"config never retried", 1, domain.ClassConfig, false, time.Time{}},
		{"unknown never retried", 1, domain.ClassUnknown, false, time.Time{}},
		{"timeout retried", 1, domain.ClassTimeout, true, now.Add(30 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(policy, tt.attempt, tt.class, now)
			if d.Retry != tt.want {
				t.Fatalf("Retry = %v, want %v", d.Retry, tt.want)
			}
			if d.Retry && !d.At.Equal(tt.wantAt) {
				t.Errorf("At = %s, want %s", d.At, tt.wantAt)
			}
		})
	}
}

func TestDecide_ZeroMaxAttempts(t *testing.T) {
	d := Decide(domain.RetryPolicy{}, 1, domain.ClassTransient, time.Now())
	if d.Retry {
		t.Error("policy without attempts must not retry")
	}
}
