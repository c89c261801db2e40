package model

import "time"

// Backoff types understood by RetryPolicy.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Backoff computes the wait before a redelivery.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// After returns the delay before retry number attempt (1-based): Delay for
// fixed backoff, Delay * 2^(attempt-1) for exponential.
func (b Backoff) After(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// RetryPolicy bounds how often the queue delivers one envelope.
type RetryPolicy struct {
	MaxAttempts int     `json:"maxAttempts"`
	Backoff     Backoff `json:"backoff"`
}

// DefaultRetryPolicy is two attempts with exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Backoff:     Backoff{Type: BackoffExponential, Delay: time.Second},
	}
}
