// Package reservation polls the remote reservation API for changed bookings.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bronisync/internal/domain"
	"bronisync/internal/models"
	"bronisync/internal/pool"

	"github.com/rs/zerolog"
)

const bookingsPath = "/api/v1/bookings"

// Client fetches bookings updated since the stored cursor and upserts them.
type Client struct {
	baseURL  string
	apiKey   string
	bookings domain.BookingStore
	store    domain.KVStore
	logger   *zerolog.Logger
	now      func() time.Time
}

type listResponse struct {
	Bookings []json.RawMessage `json:"bookings"`
}

func NewClient(baseURL, apiKey string, bookings domain.BookingStore, store domain.KVStore, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		bookings: bookings,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// EndpointKey is the pool key of the reservation API.
func (c *Client) EndpointKey() (string, error) {
	return pool.EndpointKey(c.baseURL)
}

// Poll fetches one page of changed bookings through conn. Only bookings that
// actually changed locally are returned.
func (c *Client) Poll(ctx context.Context, conn *pool.Conn) models.PollResult {
	if c.apiKey == "" {
		return models.PollErr(models.ErrPrecondition, "reservation api key is not configured")
	}
	handle, err := conn.HTTP()
	if err != nil {
		return models.PollErr(models.ErrPrecondition, "%v", err)
	}

	cursor := c.cursor(ctx)
	endpoint := c.baseURL + bookingsPath
	if !cursor.IsZero() {
		endpoint += "?updated_since=" + url.QueryEscape(cursor.Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.PollErr(models.ErrPrecondition, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := handle.Client.Do(req)
	if err != nil {
		handle.Fail()
		return models.PollErr(models.ErrTransient, "request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return models.PollErr(models.ErrPrecondition, "reservation api rejected credentials: http %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return models.PollErr(models.ErrTransient, "http %d", resp.StatusCode)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.PollErr(models.ErrTransient, "decode response: %v", err)
	}

	fetched := c.decodeBookings(body.Bookings)
	changed, err := c.bookings.UpsertBookings(ctx, fetched)
	if err != nil {
		return models.PollErr(models.ErrTransient, "store bookings: %v", err)
	}

	c.advanceCursor(ctx, cursor, fetched)
	c.logger.Debug().Int("fetched", len(fetched)).Int("changed", len(changed)).Msg("Bookings polled")
	return models.PollOK(changed)
}

func (c *Client) decodeBookings(raw []json.RawMessage) []models.Booking {
	now := c.now()
	out := make([]models.Booking, 0, len(raw))
	for _, item := range raw {
		var b models.Booking
		if err := json.Unmarshal(item, &b); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping undecodable booking")
			continue
		}
		if b.ExternalID == "" {
			c.logger.Warn().Msg("Skipping booking without id")
			continue
		}
		b.Raw = append(json.RawMessage(nil), item...)
		b.ReceivedAt = now
		out = append(out, b)
	}
	return out
}

// cursor returns the updated_at high-water mark of previous polls.
func (c *Client) cursor(ctx context.Context) time.Time {
	data, err := c.store.Get(ctx, models.KeyPollCursor)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("Failed to read poll cursor, polling from scratch")
		}
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		c.logger.Warn().Err(err).Str("cursor", string(data)).Msg("Discarding malformed poll cursor")
		return time.Time{}
	}
	return t
}

func (c *Client) advanceCursor(ctx context.Context, current time.Time, bookings []models.Booking) {
	next := current
	for _, b := range bookings {
		if b.UpdatedAt.After(next) {
			next = b.UpdatedAt
		}
	}
	if !next.After(current) {
		return
	}
	err := c.store.Update(ctx, models.KeyPollCursor, 0, func(stored []byte) ([]byte, error) {
		if prev, err := time.Parse(time.RFC3339Nano, string(stored)); err == nil && !next.After(prev) {
			return nil, nil
		}
		return []byte(next.UTC().Format(time.RFC3339Nano)), nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to advance poll cursor")
	}
}
