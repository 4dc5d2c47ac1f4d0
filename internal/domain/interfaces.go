package domain

import (
	"context"
	"errors"
	"time"

	"bronisync/internal/models"
)

// ErrNotFound is returned by KVStore.Get for a missing key.
var ErrNotFound = errors.New("key not found")

// UpdateFunc receives the current value (nil when absent) and returns the value
// to store. Returning a nil slice leaves the stored value untouched.
type UpdateFunc func(current []byte) ([]byte, error)

// KVStore is the durable key-value store shared between processes.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Update performs an atomic read-modify-write of key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// RetryStore persists failed outbound deliveries.
type RetryStore interface {
	CreateRetryItem(ctx context.Context, item *models.RetryItem) error
	ListRetryItems(ctx context.Context) ([]models.RetryItem, error)
	RecordRetryFailure(ctx context.Context, id int64, prevAttempts int, lastError string, at time.Time) (bool, error)
	DeleteRetryItem(ctx context.Context, id int64) error
	DeleteRetryItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BookingStore receives polled bookings and returns the ones that changed.
type BookingStore interface {
	UpsertBookings(ctx context.Context, bookings []models.Booking) ([]models.Booking, error)
}

// EventCounter answers windowed counts of booking events.
type EventCounter interface {
	CountBookingsSince(ctx context.Context, since time.Time) (int, error)
}

// EventPublisher is the publishing side of the event bus.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// MetricsSink receives write-only telemetry from the subsystem.
type MetricsSink interface {
	ObserveCycle(outcome string, d time.Duration)
	SetPollState(state models.PollState)
	IncRetry(outcome string, n int)
	IncRateLimitDenied(action string)
	SetPoolSize(n int)
	IncDelivery(sink, outcome string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveCycle(string, time.Duration) {}
func (NopMetrics) SetPollState(models.PollState)      {}
func (NopMetrics) IncRetry(string, int)               {}
func (NopMetrics) IncRateLimitDenied(string)          {}
func (NopMetrics) SetPoolSize(int)                    {}
func (NopMetrics) IncDelivery(string, string)         {}
