package models

import (
	"encoding/json"
	"time"
)

// Booking is a reservation record pulled from the remote reservation API.
type Booking struct {
	ExternalID string          `json:"id"`
	Status     string          `json:"status"`
	ItemName   string          `json:"item_name"`
	Customer   string          `json:"customer"`
	Date       time.Time       `json:"date"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Raw        json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"-"`
}
