package metrics

import (
	"sync"
	"time"

	"bronisync/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bronisync"

var (
	once        sync.Once
	defaultColl *Collector
)

// Collector groups every Prometheus metric the service exports.
type Collector struct {
	cycleDuration       *prometheus.HistogramVec
	pollOutcomes        *prometheus.CounterVec
	consecutiveFailures prometheus.Gauge
	currentInterval     prometheus.Gauge
	activityLevel       *prometheus.GaugeVec
	avgCycleDuration    prometheus.Gauge
	retryOutcomes       *prometheus.CounterVec
	rateLimitDenied     *prometheus.CounterVec
	poolSize            prometheus.Gauge
	deliveries          *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
}

// NewCollector builds a collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of poll cycles by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		pollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_consecutive_failures",
			Help:      "Current number of consecutive poll failures.",
		}),
		currentInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_interval_seconds",
			Help:      "Interval until the next poll.",
		}),
		activityLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activity_level",
			Help:      "1 for the current activity level, 0 otherwise.",
		}, []string{"level"}),
		avgCycleDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_cycle_avg_duration_ms",
			Help:      "Rolling average poll duration in milliseconds.",
		}),
		retryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_items_total",
			Help:      "Retry queue item outcomes.",
		}, []string{"outcome"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Rate limiter denials by action.",
		}, []string{"action"}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Live pooled connections.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound deliveries by sink and outcome.",
		}, []string{"sink", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		}, []string{"endpoint"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.cycleDuration, c.pollOutcomes, c.consecutiveFailures, c.currentInterval,
			c.activityLevel, c.avgCycleDuration, c.retryOutcomes, c.rateLimitDenied,
			c.poolSize, c.deliveries, c.httpRequests,
		)
	}
	return c
}

// Register registers the default collector. Safe to call multiple times.
func Register() *Collector {
	once.Do(func() {
		defaultColl = NewCollector(prometheus.DefaultRegisterer)
	})
	return defaultColl
}

// ObserveCycle records one scheduler cycle.
func (c *Collector) ObserveCycle(outcome string, d time.Duration) {
	c.pollOutcomes.WithLabelValues(outcome).Inc()
	c.cycleDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetPollState mirrors the persisted poll state into gauges.
func (c *Collector) SetPollState(state models.PollState) {
	c.consecutiveFailures.Set(float64(state.ConsecutiveFailures))
	c.currentInterval.Set(float64(state.CurrentIntervalSeconds))
	c.avgCycleDuration.Set(state.Stats.AvgDurationMs)
	for _, level := range []models.ActivityLevel{models.ActivityHigh, models.ActivityMedium, models.ActivityLow, models.ActivityInactive} {
		v := 0.0
		if level == state.ActivityLevel {
			v = 1
		}
		c.activityLevel.WithLabelValues(string(level)).Set(v)
	}
}

// IncRetry counts a retry queue outcome (delivered, failed, exhausted, corrupt, expired).
func (c *Collector) IncRetry(outcome string, n int) {
	if n <= 0 {
		return
	}
	c.retryOutcomes.WithLabelValues(outcome).Add(float64(n))
}

// IncRateLimitDenied counts a denial for action.
func (c *Collector) IncRateLimitDenied(action string) {
	c.rateLimitDenied.WithLabelValues(action).Inc()
}

// SetPoolSize reports live pooled connections.
func (c *Collector) SetPoolSize(n int) {
	c.poolSize.Set(float64(n))
}

// IncDelivery counts one outbound call.
func (c *Collector) IncDelivery(sink, outcome string) {
	c.deliveries.WithLabelValues(sink, outcome).Inc()
}

// IncHTTP increments the counter for an endpoint label.
func (c *Collector) IncHTTP(endpoint string) {
	c.httpRequests.WithLabelValues(endpoint).Inc()
}
