package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"bronisync/internal/models"

	"google.golang.org/api/googleapi"
)

// SheetsClient writes one booking row.
type SheetsClient interface {
	UpsertBooking(ctx context.Context, booking *models.Booking) error
}

// SheetsSink mirrors bookings into spreadsheets addressed as sheets:<spreadsheet_id>.
type SheetsSink struct {
	clients map[string]SheetsClient
}

func NewSheetsSink() *SheetsSink {
	return &SheetsSink{clients: make(map[string]SheetsClient)}
}

// Register routes spreadsheetID to client.
func (s *SheetsSink) Register(spreadsheetID string, client SheetsClient) {
	s.clients[spreadsheetID] = client
}

func (s *SheetsSink) Send(ctx context.Context, endpoint string, payload []byte) models.DeliveryResult {
	id := strings.TrimPrefix(endpoint, sheetsPrefix)
	client, ok := s.clients[id]
	if !ok {
		return models.DeliveryErr(models.ErrPrecondition, "spreadsheet %q is not configured", id)
	}

	var booking models.Booking
	if err := json.Unmarshal(payload, &booking); err != nil {
		return models.DeliveryErr(models.ErrCorrupt, "decode booking: %v", err)
	}
	if booking.ExternalID == "" {
		return models.DeliveryErr(models.ErrCorrupt, "booking without id")
	}

	if err := client.UpsertBooking(ctx, &booking); err != nil {
		return classifyGoogleError(err)
	}
	return models.Delivered()
}

func classifyGoogleError(err error) models.DeliveryResult {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return models.DeliveryErr(models.ErrTransient, "sheets %d: %s", apiErr.Code, apiErr.Message)
		case apiErr.Code == 401 || apiErr.Code == 403 || apiErr.Code == 404:
			return models.DeliveryErr(models.ErrPrecondition, "sheets %d: %s", apiErr.Code, apiErr.Message)
		case apiErr.Code == 400:
			return models.DeliveryErr(models.ErrCorrupt, "sheets %d: %s", apiErr.Code, apiErr.Message)
		}
	}
	return models.DeliveryErr(models.ErrTransient, "sheets: %v", err)
}
