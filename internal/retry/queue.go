// Package retry persists failed outbound deliveries and re-sends them with
// per-item exponential backoff.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bronisync/internal/domain"
	"bronisync/internal/models"

	"github.com/rs/zerolog"
)

// Sender re-issues one outbound call.
type Sender interface {
	Send(ctx context.Context, endpoint string, payload []byte) models.DeliveryResult
}

// Report summarizes one Drain run.
type Report struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Corrupt   int `json:"corrupt"`
	NotDue    int `json:"not_due"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

const (
	outcomeDelivered = "delivered"
	outcomeFailed    = "failed"
	outcomeExhausted = "exhausted"
	outcomeCorrupt   = "corrupt"
	outcomeExpired   = "expired"
)

type Queue struct {
	store   domain.RetryStore
	sender  Sender
	policy  Policy
	logger  *zerolog.Logger
	metrics domain.MetricsSink
	now     func() time.Time
}

func NewQueue(store domain.RetryStore, sender Sender, policy Policy, logger *zerolog.Logger, metrics domain.MetricsSink) *Queue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Queue{
		store:   store,
		sender:  sender,
		policy:  policy.normalized(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Enqueue persists a delivery that just failed for the first time.
func (q *Queue) Enqueue(ctx context.Context, endpoint string, payload []byte, cause string) error {
	item := &models.RetryItem{
		Endpoint:  endpoint,
		Payload:   string(payload),
		Attempts:  1,
		LastError: cause,
		LastTryAt: q.now(),
	}
	if err := q.store.CreateRetryItem(ctx, item); err != nil {
		return fmt.Errorf("enqueue retry for %s: %w", endpoint, err)
	}
	q.logger.Debug().Int64("retry_id", item.ID).Str("endpoint", endpoint).Str("cause", cause).Msg("Delivery queued for retry")
	return nil
}

// Drain walks every item once. Failures are logged per item and never
// returned.
func (q *Queue) Drain(ctx context.Context) Report {
	var report Report

	items, err := q.store.ListRetryItems(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to load retry queue")
		report.Errors++
		return report
	}
	report.Total = len(items)

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		q.process(ctx, &items[i], &report)
	}

	if report.Total > 0 {
		q.logger.Info().
			Int("total", report.Total).
			Int("delivered", report.Delivered).
			Int("failed", report.Failed).
			Int("exhausted", report.Exhausted).
			Int("corrupt", report.Corrupt).
			Int("not_due", report.NotDue).
			Msg("Retry queue drained")
	}
	return report
}

func (q *Queue) process(ctx context.Context, item *models.RetryItem, report *Report) {
	log := q.logger.With().Int64("retry_id", item.ID).Str("endpoint", item.Endpoint).Int("attempts", item.Attempts).Logger()

	if q.policy.Exhausted(item.Attempts) {
		q.delete(ctx, item, outcomeExhausted, report)
		log.Warn().Str("last_error", item.LastError).Msg("Retry attempts exhausted, dropping delivery")
		return
	}

	now := q.now()
	if now.Before(item.LastTryAt.Add(q.policy.Delay(item.Attempts))) {
		report.NotDue++
		return
	}

	payload := []byte(item.Payload)
	if !json.Valid(payload) {
		log.Error().Msg("Corrupt retry payload, dropping delivery")
		q.delete(ctx, item, outcomeCorrupt, report)
		return
	}

	res := q.send(ctx, item.Endpoint, payload)
	if res.OK() {
		q.delete(ctx, item, outcomeDelivered, report)
		log.Info().Msg("Retried delivery succeeded")
		return
	}
	if res.Err.Kind == models.ErrCorrupt {
		log.Error().Str("detail", res.Err.Detail).Msg("Delivery rejected as corrupt, dropping")
		q.delete(ctx, item, outcomeCorrupt, report)
		return
	}

	applied, err := q.store.RecordRetryFailure(ctx, item.ID, item.Attempts, res.Err.Error(), now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record retry failure")
		report.Errors++
		return
	}
	if !applied {
		// another drainer already handled this attempt
		report.Conflicts++
		return
	}

	if q.policy.Exhausted(item.Attempts + 1) {
		q.delete(ctx, item, outcomeExhausted, report)
		log.Warn().Err(res.Err).Msg("Retry attempts exhausted, dropping delivery")
		return
	}

	report.Failed++
	q.metrics.IncRetry(outcomeFailed, 1)
	log.Warn().Err(res.Err).Msg("Retried delivery failed")
}

// send isolates a panicking sender to the item it was called for.
func (q *Queue) send(ctx context.Context, endpoint string, payload []byte) (res models.DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			res = models.DeliveryErr(models.ErrTransient, "sender panic: %v", r)
		}
	}()
	return q.sender.Send(ctx, endpoint, payload)
}

func (q *Queue) delete(ctx context.Context, item *models.RetryItem, outcome string, report *Report) {
	if err := q.store.DeleteRetryItem(ctx, item.ID); err != nil {
		q.logger.Error().Err(err).Int64("retry_id", item.ID).Msg("Failed to delete retry item")
		report.Errors++
		return
	}
	switch outcome {
	case outcomeDelivered:
		report.Delivered++
	case outcomeExhausted:
		report.Exhausted++
	case outcomeCorrupt:
		report.Corrupt++
	}
	q.metrics.IncRetry(outcome, 1)
}

// Cleanup removes items last tried before now minus retentionDays.
func (q *Queue) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = models.DefaultRetryRetentionDays
	}
	cutoff := q.now().AddDate(0, 0, -retentionDays)

	deleted, err := q.store.DeleteRetryItemsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup retry queue: %w", err)
	}
	if deleted > 0 {
		q.metrics.IncRetry(outcomeExpired, int(deleted))
		q.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Expired retry items removed")
	}
	return deleted, nil
}

// Items lists the current queue content.
func (q *Queue) Items(ctx context.Context) ([]models.RetryItem, error) {
	return q.store.ListRetryItems(ctx)
}
