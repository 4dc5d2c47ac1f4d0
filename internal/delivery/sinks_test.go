package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bronisync/internal/models"
	"bronisync/internal/pool"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func bookingPayload(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(models.Booking{
		ExternalID: "b-1",
		Status:     "confirmed",
		ItemName:   "camera",
		Customer:   "Anna",
		Date:       time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return data
}

type stubSink struct {
	got []string
}

func (s *stubSink) Send(_ context.Context, endpoint string, _ []byte) models.DeliveryResult {
	s.got = append(s.got, endpoint)
	return models.Delivered()
}

func TestRouter(t *testing.T) {
	webhook, telegram := &stubSink{}, &stubSink{}
	r := &Router{Webhook: webhook, Telegram: telegram}
	ctx := context.Background()

	assert.True(t, r.Send(ctx, "https://hooks.example.com/x", nil).OK())
	assert.True(t, r.Send(ctx, "telegram:-1001", nil).OK())
	assert.Equal(t, []string{"https://hooks.example.com/x"}, webhook.got)
	assert.Equal(t, []string{"telegram:-1001"}, telegram.got)

	res := r.Send(ctx, "sheets:abc", nil)
	require.False(t, res.OK())
	assert.Equal(t, models.ErrPrecondition, res.Err.Kind)

	res = r.Send(ctx, "ftp://files", nil)
	require.False(t, res.OK())
	assert.Equal(t, models.ErrCorrupt, res.Err.Kind)
}

func TestWebhookSink(t *testing.T) {
	var (
		gotKey  string
		gotType string
		status  = http.StatusOK
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := pool.New(pool.Config{MaxSize: 2, ConnectionTimeout: 5 * time.Second}, nil, nil, nil)
	defer p.Close()
	sink := NewWebhookSink(p, "bronisync/test")
	ctx := context.Background()
	payload := bookingPayload(t)
	endpoint := srv.URL + "/hook"

	require.True(t, sink.Send(ctx, endpoint, payload).OK())
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, IdempotencyKey(endpoint, payload), gotKey)
	firstKey := gotKey

	for code, kind := range map[int]models.ErrorKind{
		http.StatusServiceUnavailable:  models.ErrTransient,
		http.StatusTooManyRequests:     models.ErrTransient,
		http.StatusForbidden:           models.ErrPrecondition,
		http.StatusUnprocessableEntity: models.ErrCorrupt,
	} {
		status = code
		res := sink.Send(ctx, endpoint, payload)
		require.False(t, res.OK(), "status %d", code)
		assert.Equal(t, kind, res.Err.Kind, "status %d", code)
	}
	// retries of the same payload carry the same key
	assert.Equal(t, firstKey, gotKey)

	res := sink.Send(ctx, "not a url", payload)
	require.False(t, res.OK())
	assert.Equal(t, models.ErrCorrupt, res.Err.Kind)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("https://a", []byte(`{"id":"1"}`))
	assert.Equal(t, a, IdempotencyKey("https://a", []byte(`{"id":"1"}`)))
	assert.NotEqual(t, a, IdempotencyKey("https://b", []byte(`{"id":"1"}`)))
	assert.NotEqual(t, a, IdempotencyKey("https://a", []byte(`{"id":"2"}`)))
}

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, msg)
	}
	return tgbotapi.Message{}, b.err
}

func TestTelegramSink(t *testing.T) {
	bot := &fakeBot{}
	sink := NewTelegramSink(bot)
	ctx := context.Background()

	require.True(t, sink.Send(ctx, "telegram:-100123", bookingPayload(t)).OK())
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(-100123), bot.sent[0].ChatID)
	assert.Contains(t, bot.sent[0].Text, "b-1")
	assert.Contains(t, bot.sent[0].Text, "03.07.2026")

	res := sink.Send(ctx, "telegram:abc", bookingPayload(t))
	assert.Equal(t, models.ErrCorrupt, res.Err.Kind)

	res = sink.Send(ctx, "telegram:1", []byte(`[`))
	assert.Equal(t, models.ErrCorrupt, res.Err.Kind)

	bot.err = &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}
	res = sink.Send(ctx, "telegram:1", bookingPayload(t))
	assert.Equal(t, models.ErrTransient, res.Err.Kind)

	bot.err = &tgbotapi.Error{Code: 403, Message: "bot was blocked by the user"}
	res = sink.Send(ctx, "telegram:1", bookingPayload(t))
	assert.Equal(t, models.ErrPrecondition, res.Err.Kind)

	bot.err = errors.New("connection reset")
	res = sink.Send(ctx, "telegram:1", bookingPayload(t))
	assert.Equal(t, models.ErrTransient, res.Err.Kind)
}

type fakeSheets struct {
	rows map[string]string
	err  error
}

func (f *fakeSheets) UpsertBooking(_ context.Context, b *models.Booking) error {
	if f.err != nil {
		return f.err
	}
	f.rows[b.ExternalID] = b.Status
	return nil
}

func TestSheetsSink(t *testing.T) {
	client := &fakeSheets{rows: map[string]string{}}
	sink := NewSheetsSink()
	sink.Register("sheet-1", client)
	ctx := context.Background()

	require.True(t, sink.Send(ctx, "sheets:sheet-1", bookingPayload(t)).OK())
	assert.Equal(t, "confirmed", client.rows["b-1"])

	res := sink.Send(ctx, "sheets:other", bookingPayload(t))
	assert.Equal(t, models.ErrPrecondition, res.Err.Kind)

	res = sink.Send(ctx, "sheets:sheet-1", []byte(`{}`))
	assert.Equal(t, models.ErrCorrupt, res.Err.Kind)

	client.err = &googleapi.Error{Code: 503, Message: "backend error"}
	res = sink.Send(ctx, "sheets:sheet-1", bookingPayload(t))
	assert.Equal(t, models.ErrTransient, res.Err.Kind)

	client.err = &googleapi.Error{Code: 403, Message: "caller does not have permission"}
	res = sink.Send(ctx, "sheets:sheet-1", bookingPayload(t))
	assert.Equal(t, models.ErrPrecondition, res.Err.Kind)
}
