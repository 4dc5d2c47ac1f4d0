// Package app wires configuration into running components.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"bronisync/internal/activity"
	"bronisync/internal/api"
	"bronisync/internal/config"
	"bronisync/internal/database"
	"bronisync/internal/delivery"
	"bronisync/internal/domain"
	"bronisync/internal/events"
	"bronisync/internal/google"
	"bronisync/internal/logging"
	"bronisync/internal/metrics"
	"bronisync/internal/models"
	"bronisync/internal/pool"
	"bronisync/internal/ratelimit"
	"bronisync/internal/repository"
	"bronisync/internal/reservation"
	"bronisync/internal/retry"
	"bronisync/internal/scheduler"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Options select the optional parts New builds.
type Options struct {
	// Delivery connects the Telegram and Google Sheets sinks. Commands that
	// only read state leave it off to avoid network calls on startup.
	Delivery bool
}

// App holds every component of one process.
type App struct {
	cfg    *config.Config
	logger *zerolog.Logger

	db        *database.DB
	redis     *redis.Client
	store     domain.KVStore
	collector *metrics.Collector
	metrics   domain.MetricsSink

	Limiter    *ratelimit.Limiter
	Pool       *pool.Pool
	Analyzer   *activity.Analyzer
	Bus        *events.EventBus
	Scheduler  *scheduler.Scheduler
	Retry      *retry.Queue
	Sweeper    *retry.Sweeper
	Dispatcher *delivery.Dispatcher
	Router     *delivery.Router
}

func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger, opts Options) (*App, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	a := &App{cfg: cfg, logger: logger, metrics: domain.NopMetrics{}}

	if cfg.Monitoring.PrometheusEnabled {
		a.collector = metrics.Register()
		a.metrics = a.collector
	}

	db, err := database.NewDB(cfg.Database.Path, logging.Component(logger, "database"))
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.db = db

	a.initStore(ctx)

	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimits))
	for action, rule := range cfg.RateLimits {
		rules[action] = ratelimit.Rule{MaxAttempts: rule.MaxAttempts, WindowSeconds: rule.WindowSeconds}
	}
	a.Limiter = ratelimit.New(a.store, rules, logging.Component(logger, "ratelimit"), a.metrics)

	a.Pool = pool.New(pool.Config{
		MaxSize:           cfg.Pool.MaxSize,
		ConnectionTimeout: time.Duration(cfg.Pool.ConnectionTimeoutSeconds) * time.Second,
		KeepAlive:         time.Duration(cfg.Pool.KeepAliveTimeoutSeconds) * time.Second,
	}, nil, logging.Component(logger, "pool"), a.metrics)

	a.Analyzer = activity.NewAnalyzer(db, a.store, logging.Component(logger, "activity"))
	a.Bus = events.NewEventBus(logging.Component(logger, "events"))

	client := reservation.NewClient(cfg.Reservation.BaseURL, cfg.Reservation.APIKey, db, a.store, logging.Component(logger, "reservation"))
	endpoint, err := client.EndpointKey()
	if err != nil && cfg.Poller.Enabled {
		a.Close()
		return nil, fmt.Errorf("reservation endpoint: %w", err)
	}

	a.Scheduler = scheduler.New(scheduler.Config{
		Enabled:      cfg.Poller.Enabled,
		Endpoint:     endpoint,
		BackoffTable: cfg.Poller.BackoffTable(),
		PollTimeout:  time.Duration(cfg.Reservation.RequestTimeoutSeconds) * time.Second,
	}, scheduler.Deps{
		Poller:    client,
		Limiter:   a.Limiter,
		Activity:  a.Analyzer,
		Pool:      a.Pool,
		Store:     a.store,
		Publisher: a.Bus,
		Metrics:   a.metrics,
		Logger:    logging.Component(logger, "scheduler"),
	})

	a.Router = &delivery.Router{Webhook: delivery.NewWebhookSink(a.Pool, cfg.App.Name+"/"+cfg.App.Version)}
	endpoints := append([]string(nil), cfg.Delivery.Webhooks...)
	if opts.Delivery {
		endpoints = append(endpoints, a.initTelegram()...)
		endpoints = append(endpoints, a.initSheets(ctx)...)
	}

	a.Retry = retry.NewQueue(db, a.Router, retry.Policy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		BackoffFactor: 2,
	}, logging.Component(logger, "retry"), a.metrics)
	a.Sweeper = retry.NewSweeper(a.Retry, time.Duration(cfg.Retry.DrainIntervalSeconds)*time.Second, cfg.Retry.RetentionDays)

	a.Dispatcher = delivery.NewDispatcher(delivery.DispatcherConfig{
		Endpoints:      endpoints,
		RequestTimeout: time.Duration(cfg.Delivery.RequestTimeout) * time.Second,
		RPS:            cfg.Delivery.RPS,
		Burst:          cfg.Delivery.Burst,
	}, a.Router, a.Retry, a.Limiter, logging.Component(logger, "delivery"), a.metrics)
	a.Dispatcher.Subscribe(a.Bus)
	a.Bus.Subscribe(events.EventPollFailed, a.onPollFailed)

	return a, nil
}

// onPollFailed reports failed polls; a streak long enough to clean the pool is an error.
func (a *App) onPollFailed(event *events.Event) error {
	var p events.PollFailedPayload
	if err := event.Decode(&p); err != nil {
		return fmt.Errorf("decode poll failure: %w", err)
	}
	level := zerolog.WarnLevel
	if p.ConsecutiveFailures >= models.PoolCleanupFailureThreshold {
		level = zerolog.ErrorLevel
	}
	a.logger.WithLevel(level).
		Str("cycle_id", p.CycleID).
		Str("kind", string(p.Kind)).
		Str("detail", p.Detail).
		Uint("failures", p.ConsecutiveFailures).
		Msg("Reservation poll failed")
	return nil
}

// initStore uses Redis when configured, with an in-memory fallback while it is down.
func (a *App) initStore(ctx context.Context) {
	memory := repository.NewMemoryStore()
	if a.cfg.Redis.Address == "" {
		a.logger.Warn().Msg("Redis is not configured, state is kept in memory only")
		a.store = memory
		return
	}

	a.redis = repository.NewRedisClient(a.cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, a.redis); err != nil {
		a.logger.Warn().Err(err).Str("addr", a.cfg.Redis.Address).Msg("Redis unavailable, falling back to memory until it recovers")
	} else {
		a.logger.Info().Str("addr", a.cfg.Redis.Address).Msg("Redis connected")
	}
	a.store = repository.NewFailoverStore(repository.NewRedisStore(a.redis), memory, logging.Component(a.logger, "kvstore"))
}

func (a *App) initTelegram() []string {
	tg := a.cfg.Delivery.Telegram
	if tg.BotToken == "" || len(tg.ChatIDs) == 0 {
		return nil
	}
	endpoints := make([]string, 0, len(tg.ChatIDs))
	for _, id := range tg.ChatIDs {
		endpoints = append(endpoints, "telegram:"+strconv.FormatInt(id, 10))
	}

	bot, err := tgbotapi.NewBotAPI(tg.BotToken)
	if err != nil {
		// sends fail as precondition errors and wait in the retry queue
		a.logger.Warn().Err(err).Msg("Telegram bot init failed, telegram deliveries will be retried")
		return endpoints
	}
	a.Router.Telegram = delivery.NewTelegramSink(bot)
	a.logger.Info().Str("bot", bot.Self.UserName).Int("chats", len(endpoints)).Msg("Telegram sink ready")
	return endpoints
}

func (a *App) initSheets(ctx context.Context) []string {
	g := a.cfg.Delivery.Google
	if g.CredentialsFile == "" || g.SpreadsheetID == "" {
		return nil
	}
	endpoints := []string{"sheets:" + g.SpreadsheetID}

	svc, err := google.NewSheetsService(ctx, g.CredentialsFile, g.SpreadsheetID, g.SheetName)
	if err == nil {
		err = svc.TestConnection(ctx)
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("Google Sheets init failed, sheet deliveries will be retried")
		return endpoints
	}
	if err := svc.WarmUpCache(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Google Sheets row cache warm-up failed")
	}

	sink := delivery.NewSheetsSink()
	sink.Register(svc.SpreadsheetID(), svc)
	a.Router.Sheets = sink
	a.logger.Info().Str("spreadsheet", g.SpreadsheetID).Msg("Google Sheets sink ready")
	return endpoints
}

// Serve runs every background loop and the HTTP servers until ctx is done.
func (a *App) Serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	start(func(ctx context.Context) {
		a.Pool.Run(ctx, time.Duration(a.cfg.Pool.CleanupIntervalSeconds)*time.Second)
	})
	start(a.Dispatcher.Run)
	start(a.Sweeper.Run)
	start(a.Scheduler.Run)

	if a.collector != nil {
		start(func(ctx context.Context) { a.serveMetrics(ctx) })
	}

	var apiServer *api.HTTPServer
	errCh := make(chan error, 1)
	if a.cfg.API.Enabled {
		deps := api.Deps{
			Poller:  a.Scheduler,
			Retries: a.Retry,
			Limiter: a.Limiter,
			Logger:  a.logger,
		}
		if a.collector != nil {
			deps.Metrics = a.collector
		}
		apiServer = api.NewHTTPServer(a.cfg.API, deps)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- fmt.Errorf("http api: %w", err)
			}
		}()
	}

	a.logger.Info().
		Bool("poller_enabled", a.Scheduler.Enabled()).
		Bool("api_enabled", a.cfg.API.Enabled).
		Msg("bronisync started")

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error().Err(runErr).Msg("HTTP API stopped")
	}

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("HTTP API shutdown")
		}
		cancel()
	}
	cancel()
	wg.Wait()
	a.logger.Info().Msg("bronisync stopped")
	return runErr
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Monitoring.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error().Err(err).Msg("metrics server error")
	}
}

// Close releases the pool, Redis and the database.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.redis != nil {
		if err := repository.Close(a.redis); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close database")
		}
	}
}
