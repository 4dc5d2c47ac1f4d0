package models

import "time"

// RetryItem is a failed outbound delivery waiting for another attempt.
type RetryItem struct {
	ID        int64     `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	LastTryAt time.Time `json:"last_try_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RateLimitState is the counter of one rate-limit window.
type RateLimitState struct {
	Count           int       `json:"count"`
	WindowExpiresAt time.Time `json:"window_expires_at"`
}

// Expired reports whether the window has elapsed at now.
func (s RateLimitState) Expired(now time.Time) bool {
	return !now.Before(s.WindowExpiresAt)
}
