package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bronisync/internal/events"
	"bronisync/internal/models"
	"bronisync/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRetries struct {
	mock.Mock
}

func (m *mockRetries) Enqueue(ctx context.Context, endpoint string, payload []byte, cause string) error {
	args := m.Called(ctx, endpoint, payload, cause)
	return args.Error(0)
}

type scriptedSink struct {
	mu      sync.Mutex
	results map[string]models.DeliveryResult
	calls   []string
}

func (s *scriptedSink) Send(_ context.Context, endpoint string, _ []byte) models.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, endpoint)
	if res, ok := s.results[endpoint]; ok {
		return res
	}
	return models.Delivered()
}

func (s *scriptedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, string) ratelimit.Result {
	return ratelimit.Result{Allowed: false, RetryAfter: time.Second}
}

func TestDeliverEnqueuesTransientFailure(t *testing.T) {
	sink := &scriptedSink{results: map[string]models.DeliveryResult{
		"https://down.example.com": models.DeliveryErr(models.ErrTransient, "http 503"),
		"https://bad.example.com":  models.DeliveryErr(models.ErrCorrupt, "http 422"),
	}}
	retries := &mockRetries{}
	retries.On("Enqueue", mock.Anything, "https://down.example.com", []byte(`{}`), "transient: http 503").Return(nil).Once()

	d := NewDispatcher(DispatcherConfig{RPS: 1000, Burst: 10}, sink, retries, nil, nil, nil)
	ctx := context.Background()

	assert.True(t, d.Deliver(ctx, "https://ok.example.com", []byte(`{}`)).OK())
	assert.False(t, d.Deliver(ctx, "https://down.example.com", []byte(`{}`)).OK())
	assert.False(t, d.Deliver(ctx, "https://bad.example.com", []byte(`{}`)).OK())

	retries.AssertExpectations(t)
	retries.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestDeliverRateLimitedGoesToRetry(t *testing.T) {
	sink := &scriptedSink{}
	retries := &mockRetries{}
	retries.On("Enqueue", mock.Anything, "telegram:1", mock.Anything, "rate limited").Return(nil).Once()

	d := NewDispatcher(DispatcherConfig{}, sink, retries, denyLimiter{}, nil, nil)
	res := d.Deliver(context.Background(), "telegram:1", []byte(`{}`))

	assert.Equal(t, models.ErrPrecondition, res.Err.Kind)
	assert.Equal(t, 0, sink.count())
	retries.AssertExpectations(t)
}

func TestDeliverEnqueueErrorIsLogged(t *testing.T) {
	sink := &scriptedSink{results: map[string]models.DeliveryResult{
		"https://down.example.com": models.DeliveryErr(models.ErrTransient, "timeout"),
	}}
	retries := &mockRetries{}
	retries.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))

	d := NewDispatcher(DispatcherConfig{}, sink, retries, nil, nil, nil)
	res := d.Deliver(context.Background(), "https://down.example.com", []byte(`{}`))
	assert.Equal(t, models.ErrTransient, res.Err.Kind)
}

func TestDispatcherFansOutEvents(t *testing.T) {
	sink := &scriptedSink{}
	retries := &mockRetries{}
	d := NewDispatcher(DispatcherConfig{
		Endpoints: []string{"https://a.example.com", "telegram:7"},
		RPS:       1000,
		Burst:     100,
	}, sink, retries, nil, nil, nil)

	bus := events.NewEventBus(nil)
	d.Subscribe(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	err := bus.PublishJSON(events.EventBookingsFetched, events.BookingsFetchedPayload{
		CycleID:  "c1",
		Bookings: []models.Booking{{ExternalID: "b1"}, {ExternalID: "b2"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	retries.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcherQueueFullFallsBackToRetry(t *testing.T) {
	retries := &mockRetries{}
	retries.On("Enqueue", mock.Anything, "https://a.example.com", mock.Anything, "dispatcher queue full").Return(nil)

	d := NewDispatcher(DispatcherConfig{
		Endpoints: []string{"https://a.example.com"},
		QueueSize: 1,
	}, &scriptedSink{}, retries, nil, nil, nil)

	ev, err := newFetchedEvent([]models.Booking{{ExternalID: "b1"}, {ExternalID: "b2"}, {ExternalID: "b3"}})
	require.NoError(t, err)
	require.NoError(t, d.HandleEvent(ev))

	retries.AssertNumberOfCalls(t, "Enqueue", 2)
	assert.Len(t, d.jobs, 1)
}

func TestDispatcherFlushOnShutdown(t *testing.T) {
	retries := &mockRetries{}
	// both select branches are ready; either way the job ends up in the retry queue
	retries.On("Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	d := NewDispatcher(DispatcherConfig{Endpoints: []string{"https://a.example.com"}}, &scriptedSink{}, retries, nil, nil, nil)
	ev, err := newFetchedEvent([]models.Booking{{ExternalID: "b1"}})
	require.NoError(t, err)
	require.NoError(t, d.HandleEvent(ev))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	retries.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestHandleEventBadPayload(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, &scriptedSink{}, &mockRetries{}, nil, nil, nil)
	err := d.HandleEvent(&events.Event{Type: events.EventBookingsFetched, Payload: []byte(`nope`)})
	assert.Error(t, err)
}

func newFetchedEvent(bookings []models.Booking) (*events.Event, error) {
	bus := events.NewEventBus(nil)
	var captured *events.Event
	bus.Subscribe(events.EventBookingsFetched, func(ev *events.Event) error {
		captured = ev
		return nil
	})
	err := bus.PublishJSON(events.EventBookingsFetched, events.BookingsFetchedPayload{Bookings: bookings})
	return captured, err
}
