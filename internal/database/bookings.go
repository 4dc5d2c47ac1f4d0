package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bronisync/internal/models"
)

// UpsertBookings stores polled bookings. A row is only overwritten when the
// incoming record is newer than the stored one, so replayed polls and
// concurrent workers cannot roll a booking back. Returns the bookings that
// were inserted or changed.
func (db *DB) UpsertBookings(ctx context.Context, bookings []models.Booking) ([]models.Booking, error) {
	if len(bookings) == 0 {
		return nil, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO bookings (external_id, status, item_name, customer, date, updated_at, raw, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(external_id) DO UPDATE SET
            status = excluded.status,
            item_name = excluded.item_name,
            customer = excluded.customer,
            date = excluded.date,
            updated_at = excluded.updated_at,
            raw = excluded.raw,
            received_at = excluded.received_at
        WHERE excluded.updated_at > bookings.updated_at
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var changed []models.Booking
	for i := range bookings {
		b := &bookings[i]
		if b.ReceivedAt.IsZero() {
			b.ReceivedAt = now
		}
		raw := string(b.Raw)
		if raw == "" {
			raw = "{}"
		}

		res, err := stmt.ExecContext(ctx,
			b.ExternalID,
			b.Status,
			b.ItemName,
			b.Customer,
			nullTime(b.Date),
			b.UpdatedAt.UTC(),
			raw,
			b.ReceivedAt.UTC(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert booking %s: %w", b.ExternalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to upsert booking %s: %w", b.ExternalID, err)
		}
		if n > 0 {
			changed = append(changed, *b)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bookings: %w", err)
	}
	return changed, nil
}

// CountBookingsSince counts booking events received at or after since.
func (db *DB) CountBookingsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings WHERE received_at >= ?`, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return count, nil
}

// GetBooking returns a stored booking by its external id.
func (db *DB) GetBooking(ctx context.Context, externalID string) (*models.Booking, error) {
	query := `SELECT external_id, status, item_name, customer, date, updated_at, raw, received_at
              FROM bookings WHERE external_id = ?`

	var (
		b    models.Booking
		date sql.NullTime
		raw  string
	)
	err := db.QueryRowContext(ctx, query, externalID).Scan(
		&b.ExternalID, &b.Status, &b.ItemName, &b.Customer, &date, &b.UpdatedAt, &raw, &b.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	if date.Valid {
		b.Date = date.Time
	}
	b.Raw = []byte(raw)
	return &b, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
