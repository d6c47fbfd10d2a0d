package queue

import "time"

// RetryPolicy computes the reschedule delay for the n-th retry (1-indexed):
// min(2^n * Base, Max).
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy waits two minutes before the first retry and never
// more than an hour.
var DefaultRetryPolicy = RetryPolicy{Base: time.Minute, Max: time.Hour}

func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 32 {
		return p.Max
	}
	d := p.Base * time.Duration(int64(1)<<uint(n))
	if p.Max > 0 && (d > p.Max || d < 0) {
		return p.Max
	}
	return d
}
