package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bronisync/internal/models"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

func setupMockServer(ctx context.Context) (*http.ServeMux, *httptest.Server, *SheetsService) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	srv, _ := sheets.NewService(ctx, option.WithEndpoint(server.URL), option.WithoutAuthentication())
	return mux, server, newSheetsService(srv, "bookings_tid", "Bookings")
}

func TestSheetsService_TestConnection(t *testing.T) {
	ctx := context.Background()
	mux, server, s := setupMockServer(ctx)
	defer server.Close()
	mux.HandleFunc("/v4/spreadsheets/bookings_tid/values/Bookings!A1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"id"}}})
	})
	if err := s.TestConnection(ctx); err != nil {
		t.Errorf("TestConnection failed: %v", err)
	}
}

func TestSheetsService_WarmUpCache(t *testing.T) {
	ctx := context.Background()
	mux, server, s := setupMockServer(ctx)
	defer server.Close()
	mux.HandleFunc("/v4/spreadsheets/bookings_tid/values/Bookings!A:A", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{
			Values: [][]interface{}{{"id"}, {"b-123"}, {456}},
		})
	})
	if err := s.WarmUpCache(ctx); err != nil {
		t.Fatalf("WarmUpCache failed: %v", err)
	}
	if row, ok := s.getCachedRow("b-123"); !ok || row != 2 {
		t.Errorf("Expected row 2 for b-123, got %d", row)
	}
	if row, ok := s.getCachedRow("456"); !ok || row != 3 {
		t.Errorf("Expected row 3 for numeric id 456, got %d", row)
	}
}

func TestSheetsService_UpsertBooking_Append(t *testing.T) {
	ctx := context.Background()
	mux, server, s := setupMockServer(ctx)
	defer server.Close()
	mux.HandleFunc("/v4/spreadsheets/bookings_tid/values/Bookings!A:A", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: [][]interface{}{{"id"}}})
	})
	mux.HandleFunc("/v4/spreadsheets/bookings_tid/values/Bookings!A:A:append", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.AppendValuesResponse{
			Updates: &sheets.UpdateValuesResponse{UpdatedRange: "Bookings!A10:F10"},
		})
	})

	booking := &models.Booking{ExternalID: "b-789", Status: "pending", UpdatedAt: time.Now()}
	if err := s.UpsertBooking(ctx, booking); err != nil {
		t.Fatalf("UpsertBooking failed: %v", err)
	}
	if row, _ := s.getCachedRow("b-789"); row != 10 {
		t.Errorf("Expected cached row 10, got %d", row)
	}
}

func TestSheetsService_UpsertBooking_Update(t *testing.T) {
	ctx := context.Background()
	mux, server, s := setupMockServer(ctx)
	defer server.Close()
	s.setCachedRow("b-123", 2)

	var got sheets.ValueRange
	mux.HandleFunc("/v4/spreadsheets/bookings_tid/values/Bookings!A2:F2", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(sheets.UpdateValuesResponse{})
	})

	booking := &models.Booking{
		ExternalID: "b-123",
		Status:     "confirmed",
		Date:       time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 5, 30, 9, 15, 0, 0, time.UTC),
	}
	if err := s.UpsertBooking(ctx, booking); err != nil {
		t.Fatalf("UpsertBooking failed: %v", err)
	}
	if len(got.Values) != 1 || got.Values[0][1] != "confirmed" || got.Values[0][4] != "2026-06-01" {
		t.Errorf("unexpected row written: %v", got.Values)
	}
}

func TestSheetsService_UpsertBooking_RequiresID(t *testing.T) {
	ctx := context.Background()
	_, server, s := setupMockServer(ctx)
	defer server.Close()

	if err := s.UpsertBooking(ctx, &models.Booking{}); err == nil {
		t.Error("expected error for booking without id")
	}
}

func TestBookingRowValues(t *testing.T) {
	booking := &models.Booking{
		ExternalID: "b-1",
		Status:     "pending",
		ItemName:   "camera",
		Customer:   "Ivan",
		UpdatedAt:  time.Date(2024, 12, 21, 11, 0, 0, 0, time.UTC),
	}

	row := bookingRowValues(booking)
	expected := []interface{}{"b-1", "pending", "camera", "Ivan", "", "2024-12-21 11:00:00"}
	if len(row) != len(expected) {
		t.Fatalf("expected %d values, got %d", len(expected), len(row))
	}
	for i := range expected {
		if row[i] != expected[i] {
			t.Errorf("value %d: expected %v, got %v", i, expected[i], row[i])
		}
	}
}
