// Package delivery forwards polled bookings to downstream sinks and feeds
// failed sends into the retry queue.
package delivery

import (
	"context"
	"strings"

	"bronisync/internal/models"
)

// Sink delivers one payload to one endpoint.
type Sink interface {
	Send(ctx context.Context, endpoint string, payload []byte) models.DeliveryResult
}

const (
	SinkWebhook  = "webhook"
	SinkTelegram = "telegram"
	SinkSheets   = "sheets"

	telegramPrefix = "telegram:"
	sheetsPrefix   = "sheets:"
)

// Router picks the sink from the endpoint scheme.
type Router struct {
	Webhook  Sink
	Telegram Sink
	Sheets   Sink
}

// SinkName classifies endpoint, or returns "" when no sink handles it.
func SinkName(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return SinkWebhook
	case strings.HasPrefix(endpoint, telegramPrefix):
		return SinkTelegram
	case strings.HasPrefix(endpoint, sheetsPrefix):
		return SinkSheets
	default:
		return ""
	}
}

func (r *Router) Send(ctx context.Context, endpoint string, payload []byte) models.DeliveryResult {
	var sink Sink
	switch SinkName(endpoint) {
	case SinkWebhook:
		sink = r.Webhook
	case SinkTelegram:
		sink = r.Telegram
	case SinkSheets:
		sink = r.Sheets
	default:
		return models.DeliveryErr(models.ErrCorrupt, "no sink for endpoint %q", endpoint)
	}
	if sink == nil {
		return models.DeliveryErr(models.ErrPrecondition, "%s sink is not configured", SinkName(endpoint))
	}
	return sink.Send(ctx, endpoint, payload)
}
