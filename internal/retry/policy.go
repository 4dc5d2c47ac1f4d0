package retry

import (
	"math"
	"time"

	"bronisync/internal/models"
)

// Policy defines the exponential backoff of failed deliveries.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
}

// DefaultPolicy is 5 attempts starting at 15 minutes, doubling each time.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   models.DefaultMaxRetryAttempts,
		BaseDelay:     models.DefaultRetryBaseDelay * time.Second,
		BackoffFactor: 2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxRetryAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = models.DefaultRetryBaseDelay * time.Second
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2
	}
	return p
}

// Delay returns BaseDelay * factor^(attempts-1); negative attempts count as zero.
func (p Policy) Delay(attempts int) time.Duration {
	p = p.normalized()
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempts-1))
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Exhausted reports whether an item with attempts must be dropped.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}
