package actions

import "time"

// RetryPolicy computes the delay before the next attempt. The schedule is a
// strictly increasing function of attempt number: with defaults, the first
// retry runs ~30s after failure and the second ~2m, then the attempt budget
// (default 3) is exhausted.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the default backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 30 * time.Second,
		Multiplier:   4.0,
		MaxDelay:     1 * time.Hour,
	}
}

// NextDelay returns the backoff before retry number attempt (1-based).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
