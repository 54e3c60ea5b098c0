// Package retrypolicy centralizes retry/backoff tuning into one policy
// object configured per subsystem, instead of scattered ad-hoc sleeps.
package retrypolicy

import "time"

// Policy bounds retries for one subsystem.
type Policy struct {
	AckTimeout time.Duration `yaml:"ack_timeout" json:"ackTimeout"`
	Backoff    time.Duration `yaml:"backoff" json:"backoff"`
	MaxRetries int           `yaml:"max_retries" json:"maxRetries"`
}

// HorizonDefaults is the horizon bus retry policy.
func HorizonDefaults() Policy {
	return Policy{
		AckTimeout: 10 * time.Minute,
		Backoff:    2 * time.Minute,
		MaxRetries: 3,
	}
}

// ControlDefaults is the service control retry policy.
func ControlDefaults() Policy {
	return Policy{
		AckTimeout: 30 * time.Second,
		Backoff:    5 * time.Second,
		MaxRetries: 2,
	}
}

// Delay returns the linear backoff before the given 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.Backoff
}

// Exhausted reports whether retryCount has consumed the budget.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
