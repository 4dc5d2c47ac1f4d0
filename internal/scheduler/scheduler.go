// Package scheduler runs the adaptive poll loop: it picks the next interval
// from activity and failure backoff, polls through a pooled connection and
// re-arms a single timer after every cycle.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bronisync/internal/domain"
	"bronisync/internal/events"
	"bronisync/internal/models"
	"bronisync/internal/pool"
	"bronisync/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Poller performs the remote poll through conn.
type Poller interface {
	Poll(ctx context.Context, conn *pool.Conn) models.PollResult
}

type Limiter interface {
	Allow(ctx context.Context, action, actor string) ratelimit.Result
}

type Classifier interface {
	Classify(ctx context.Context) (models.ActivitySnapshot, error)
	LoadLevel(ctx context.Context) models.ActivityLevel
}

type ConnPool interface {
	Acquire(ctx context.Context, key string) (*pool.Conn, error)
	Cleanup() int
}

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"

	SourceTimer  = "timer"
	SourceManual = "manual"
)

type Config struct {
	Enabled      bool
	Endpoint     string
	BackoffTable []time.Duration
	PollTimeout  time.Duration
	InitialDelay time.Duration
}

// Outcome describes one finished cycle.
type Outcome struct {
	CycleID  string           `json:"cycle_id"`
	Source   string           `json:"source"`
	Status   string           `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Fetched  int              `json:"fetched"`
	Duration time.Duration    `json:"duration"`
	Next     time.Duration    `json:"next"`
	State    models.PollState `json:"state"`
}

type Deps struct {
	Poller    Poller
	Limiter   Limiter
	Activity  Classifier
	Pool      ConnPool
	Store     domain.KVStore
	Publisher domain.EventPublisher
	Metrics   domain.MetricsSink
	Logger    *zerolog.Logger
}

type Scheduler struct {
	cfg       Config
	poller    Poller
	limiter   Limiter
	activity  Classifier
	pool      ConnPool
	store     domain.KVStore
	publisher domain.EventPublisher
	metrics   domain.MetricsSink
	logger    *zerolog.Logger
	now       func() time.Time

	cycleMu sync.Mutex
	stateMu sync.RWMutex
	last    models.PollState

	enabled  atomic.Bool
	running  atomic.Bool
	wake     chan struct{}
	triggers chan chan Outcome
	stopped  chan struct{}
}

func New(cfg Config, deps Deps) *Scheduler {
	if len(cfg.BackoffTable) == 0 {
		cfg.BackoffTable = DefaultBackoffTable()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = models.DefaultRequestTimeout * time.Second
	}
	if deps.Logger == nil {
		nop := zerolog.Nop()
		deps.Logger = &nop
	}
	if deps.Metrics == nil {
		deps.Metrics = domain.NopMetrics{}
	}

	s := &Scheduler{
		cfg:       cfg,
		poller:    deps.Poller,
		limiter:   deps.Limiter,
		activity:  deps.Activity,
		pool:      deps.Pool,
		store:     deps.Store,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		triggers:  make(chan chan Outcome),
		stopped:   make(chan struct{}),
	}
	s.enabled.Store(cfg.Enabled)
	return s
}

// Enabled reports whether the loop arms new cycles.
func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// SetEnabled starts or stops arming. A cycle already in flight completes
// but does not arm the next one once disabled.
func (s *Scheduler) SetEnabled(enabled bool) {
	if s.enabled.Swap(enabled) == enabled {
		return
	}
	s.logger.Info().Bool("enabled", enabled).Msg("Poller toggled")
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run owns the single cycle timer and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		close(s.stopped)
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	armed := false
	arm := func(d time.Duration) {
		// clear, then arm: at most one pending timer
		timer.Stop()
		armed = false
		if !s.enabled.Load() {
			return
		}
		timer.Reset(d)
		armed = true
	}

	arm(s.cfg.InitialDelay)
	s.logger.Info().Bool("enabled", s.enabled.Load()).Str("endpoint", s.cfg.Endpoint).Msg("Scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return
		case <-timer.C:
			armed = false
			out := s.RunCycle(ctx, SourceTimer)
			arm(out.Next)
		case reply := <-s.triggers:
			out := s.RunCycle(ctx, SourceManual)
			reply <- out
			arm(out.Next)
		case <-s.wake:
			switch {
			case !s.enabled.Load():
				arm(0)
			case !armed:
				arm(s.Interval())
			}
		}
	}
}

// TriggerNow runs a cycle on demand. With the loop running the cycle goes
// through it and re-arms the timer; otherwise it runs on the caller's
// goroutine. Either way it is serialized with timer cycles.
// A disabled poller still runs the triggered cycle but arms nothing after it.
func (s *Scheduler) TriggerNow(ctx context.Context) (Outcome, error) {
	if !s.running.Load() {
		return s.RunCycle(ctx, SourceManual), nil
	}

	reply := make(chan Outcome, 1)
	select {
	case s.triggers <- reply:
	case <-s.stopped:
		return s.RunCycle(ctx, SourceManual), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Interval is the delay the loop would use after the last known state.
func (s *Scheduler) Interval() time.Duration {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return NextInterval(s.last, s.cfg.BackoffTable)
}

// RunCycle executes one Idle -> Polling -> Success|Failure -> Idle pass.
// It never panics and always returns the next interval.
func (s *Scheduler) RunCycle(ctx context.Context, source string) Outcome {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.now()
	out := Outcome{CycleID: uuid.NewString(), Source: source}
	log := s.logger.With().Str("cycle_id", out.CycleID).Str("source", source).Logger()

	state := s.loadState(ctx)

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Poll cycle panicked")
				s.fail(&state, &out, start, models.NewCallError(models.ErrTransient, "panic: %v", r))
			}
		}()
		s.execute(ctx, &state, &out, start, &log)
	}()

	out.Duration = s.now().Sub(start)
	if out.Status != StatusSkipped {
		state.ObserveDuration(out.Duration)
	}
	out.Next = NextInterval(state, s.cfg.BackoffTable)
	state.CurrentIntervalSeconds = uint(out.Next / time.Second)
	out.State = state

	s.saveState(ctx, state, &log)
	s.metrics.ObserveCycle(out.Status, out.Duration)
	s.metrics.SetPollState(state)

	log.Info().
		Str("status", out.Status).
		Str("reason", out.Reason).
		Int("fetched", out.Fetched).
		Uint("failures", state.ConsecutiveFailures).
		Str("activity", string(state.ActivityLevel)).
		Dur("duration", out.Duration).
		Dur("next", out.Next).
		Msg("Poll cycle finished")
	return out
}

func (s *Scheduler) execute(ctx context.Context, state *models.PollState, out *Outcome, start time.Time, log *zerolog.Logger) {
	if s.limiter != nil {
		if res := s.limiter.Allow(ctx, models.ActionPoll, "scheduler"); !res.Allowed {
			s.skip(state, out, fmt.Sprintf("rate limited, retry after %s", res.RetryAfter))
			return
		}
	}

	if s.activity != nil {
		snap, err := s.activity.Classify(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Activity classification failed, using persisted level")
			if level := s.activity.LoadLevel(ctx); level != "" {
				state.ActivityLevel = level
			}
		} else {
			state.ActivityLevel = snap.Level
		}
	}

	state.LastPollAt = start
	state.Stats.TotalPolls++

	conn, err := s.pool.Acquire(ctx, s.cfg.Endpoint)
	if err != nil {
		s.precondition(state, out, start, models.NewCallError(models.ErrPrecondition, "acquire connection: %v", err))
		return
	}
	defer conn.Release()

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	res := s.poller.Poll(pollCtx, conn)
	switch {
	case res.OK():
		s.succeed(state, out, start, res.Bookings, log)
	case res.Err.Kind == models.ErrPrecondition:
		s.precondition(state, out, start, res.Err)
	default:
		s.fail(state, out, start, res.Err)
	}
}

func (s *Scheduler) succeed(state *models.PollState, out *Outcome, at time.Time, bookings []models.Booking, log *zerolog.Logger) {
	state.ConsecutiveFailures = 0
	state.LastSuccessAt = at
	state.Stats.SuccessfulPolls++
	state.Stats.LastFetched = len(bookings)

	out.Status = StatusSuccess
	out.Fetched = len(bookings)

	if len(bookings) == 0 || s.publisher == nil {
		return
	}
	payload := events.BookingsFetchedPayload{CycleID: out.CycleID, FetchedAt: at, Bookings: bookings}
	if err := s.publisher.PublishJSON(events.EventBookingsFetched, payload); err != nil {
		log.Error().Err(err).Msg("Failed to publish fetched bookings")
	}
}

func (s *Scheduler) fail(state *models.PollState, out *Outcome, at time.Time, cause *models.CallError) {
	state.ConsecutiveFailures++
	state.LastFailureAt = at
	state.Stats.FailedPolls++
	state.RecordError(models.ErrorEntry{At: at, Kind: cause.Kind, Message: cause.Detail})

	out.Status = StatusFailure
	out.Reason = cause.Error()

	if state.ConsecutiveFailures >= models.PoolCleanupFailureThreshold {
		evicted := s.pool.Cleanup()
		s.logger.Warn().Uint("failures", state.ConsecutiveFailures).Int("evicted", evicted).Msg("Repeated poll failures, connection pool cleaned")
	}

	if s.publisher == nil {
		return
	}
	payload := events.PollFailedPayload{
		CycleID:             out.CycleID,
		Kind:                cause.Kind,
		Detail:              cause.Detail,
		ConsecutiveFailures: state.ConsecutiveFailures,
	}
	if err := s.publisher.PublishJSON(events.EventPollFailed, payload); err != nil {
		s.logger.Error().Err(err).Str("cycle_id", out.CycleID).Msg("Failed to publish poll failure")
	}
}

// precondition records a local failure without touching the failure counter.
func (s *Scheduler) precondition(state *models.PollState, out *Outcome, at time.Time, cause *models.CallError) {
	state.RecordError(models.ErrorEntry{At: at, Kind: cause.Kind, Message: cause.Detail})
	s.skip(state, out, cause.Error())
}

func (s *Scheduler) skip(state *models.PollState, out *Outcome, reason string) {
	state.Stats.SkippedPolls++
	out.Status = StatusSkipped
	out.Reason = reason
}
