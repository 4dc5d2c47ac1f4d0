package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"bronisync/internal/models"
	"bronisync/internal/pool"

	"github.com/google/uuid"
)

// ConnPool hands out pooled HTTP connections.
type ConnPool interface {
	Acquire(ctx context.Context, key string) (*pool.Conn, error)
}

// WebhookSink POSTs the payload as JSON through a pooled connection.
type WebhookSink struct {
	pool      ConnPool
	userAgent string
}

func NewWebhookSink(p ConnPool, userAgent string) *WebhookSink {
	return &WebhookSink{pool: p, userAgent: userAgent}
}

// IdempotencyKey is stable for the same endpoint and payload, so receivers
// can drop retried duplicates.
func IdempotencyKey(endpoint string, payload []byte) string {
	name := make([]byte, 0, len(endpoint)+1+len(payload))
	name = append(name, endpoint...)
	name = append(name, '\n')
	name = append(name, payload...)
	return uuid.NewSHA1(uuid.NameSpaceURL, name).String()
}

func (s *WebhookSink) Send(ctx context.Context, endpoint string, payload []byte) models.DeliveryResult {
	key, err := pool.EndpointKey(endpoint)
	if err != nil {
		return models.DeliveryErr(models.ErrCorrupt, "bad webhook url: %v", err)
	}

	conn, err := s.pool.Acquire(ctx, key)
	if err != nil {
		return models.DeliveryErr(models.ErrPrecondition, "acquire connection: %v", err)
	}
	defer conn.Release()

	handle, err := conn.HTTP()
	if err != nil {
		return models.DeliveryErr(models.ErrPrecondition, "%v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.DeliveryErr(models.ErrCorrupt, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", IdempotencyKey(endpoint, payload))
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := handle.Client.Do(req)
	if err != nil {
		handle.Fail()
		return models.DeliveryErr(models.ErrTransient, "request failed: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return classifyStatus(resp.StatusCode)
}

func classifyStatus(code int) models.DeliveryResult {
	switch {
	case code >= 200 && code < 300:
		return models.Delivered()
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return models.DeliveryErr(models.ErrTransient, "http %d", code)
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return models.DeliveryErr(models.ErrPrecondition, "http %d", code)
	default:
		return models.DeliveryErr(models.ErrCorrupt, "http %d", code)
	}
}
