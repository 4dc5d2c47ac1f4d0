package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bronisync/internal/domain"
	"bronisync/internal/events"
	"bronisync/internal/models"
	"bronisync/internal/ratelimit"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RetryEnqueuer persists a failed delivery for a later sweep.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, endpoint string, payload []byte, cause string) error
}

type Limiter interface {
	Allow(ctx context.Context, action, actor string) ratelimit.Result
}

type DispatcherConfig struct {
	Endpoints      []string
	RequestTimeout time.Duration
	RPS            float64
	Burst          int
	QueueSize      int
}

type job struct {
	endpoint string
	payload  []byte
}

// Dispatcher fans fetched bookings out to every configured endpoint. Sends run
// on a worker goroutine; failures go to the retry queue.
type Dispatcher struct {
	cfg      DispatcherConfig
	sink     Sink
	retries  RetryEnqueuer
	limiter  Limiter
	throttle *rate.Limiter
	jobs     chan job
	logger   *zerolog.Logger
	metrics  domain.MetricsSink
}

func NewDispatcher(cfg DispatcherConfig, sink Sink, retries RetryEnqueuer, limiter Limiter, logger *zerolog.Logger, metrics domain.MetricsSink) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = models.DefaultRequestTimeout * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Dispatcher{
		cfg:      cfg,
		sink:     sink,
		retries:  retries,
		limiter:  limiter,
		throttle: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		jobs:     make(chan job, cfg.QueueSize),
		logger:   logger,
		metrics:  metrics,
	}
}

// Subscribe attaches the dispatcher to fetched-bookings events.
func (d *Dispatcher) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventBookingsFetched, d.HandleEvent)
}

// HandleEvent queues one job per booking and endpoint. When the in-memory
// queue is full the job goes straight to the retry queue.
func (d *Dispatcher) HandleEvent(ev *events.Event) error {
	var payload events.BookingsFetchedPayload
	if err := ev.Decode(&payload); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}
	if len(d.cfg.Endpoints) == 0 {
		return nil
	}

	for i := range payload.Bookings {
		body, err := json.Marshal(payload.Bookings[i])
		if err != nil {
			return fmt.Errorf("encode booking %s: %w", payload.Bookings[i].ExternalID, err)
		}
		for _, endpoint := range d.cfg.Endpoints {
			select {
			case d.jobs <- job{endpoint: endpoint, payload: body}:
			default:
				d.postpone(context.Background(), endpoint, body, "dispatcher queue full")
			}
		}
	}
	return nil
}

// Run sends queued jobs until ctx is done. Jobs left in the queue are moved
// to the retry queue on shutdown.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Int("endpoints", len(d.cfg.Endpoints)).Msg("Delivery dispatcher started")
	defer d.logger.Info().Msg("Delivery dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case j := <-d.jobs:
			d.Deliver(ctx, j.endpoint, j.payload)
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case j := <-d.jobs:
			d.postpone(ctx, j.endpoint, j.payload, "shutdown before delivery")
		default:
			return
		}
	}
}

// Deliver makes one attempt and queues it for retry on a retriable failure.
func (d *Dispatcher) Deliver(ctx context.Context, endpoint string, payload []byte) models.DeliveryResult {
	sink := SinkName(endpoint)
	log := d.logger.With().Str("endpoint", endpoint).Str("sink", sink).Logger()

	if d.limiter != nil {
		if res := d.limiter.Allow(ctx, models.ActionDelivery, sink); !res.Allowed {
			d.postpone(ctx, endpoint, payload, "rate limited")
			return models.DeliveryErr(models.ErrPrecondition, "rate limited, retry after %s", res.RetryAfter)
		}
	}
	if err := d.throttle.Wait(ctx); err != nil {
		d.postpone(ctx, endpoint, payload, "throttled: "+err.Error())
		return models.DeliveryErr(models.ErrPrecondition, "throttle: %v", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	res := d.sink.Send(sendCtx, endpoint, payload)
	switch {
	case res.OK():
		d.metrics.IncDelivery(sink, "delivered")
		log.Debug().Msg("Booking delivered")
	case res.Err.Kind == models.ErrCorrupt:
		d.metrics.IncDelivery(sink, "rejected")
		log.Error().Str("detail", res.Err.Detail).Msg("Delivery rejected, not retrying")
	default:
		d.metrics.IncDelivery(sink, "failed")
		log.Warn().Err(res.Err).Msg("Delivery failed, queued for retry")
		d.postpone(ctx, endpoint, payload, res.Err.Error())
	}
	return res
}

// postpone hands the delivery to the retry queue even when ctx is already canceled.
func (d *Dispatcher) postpone(ctx context.Context, endpoint string, payload []byte, cause string) {
	if err := d.retries.Enqueue(context.WithoutCancel(ctx), endpoint, payload, cause); err != nil {
		d.metrics.IncDelivery(SinkName(endpoint), "lost")
		d.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to queue delivery for retry")
	}
}
