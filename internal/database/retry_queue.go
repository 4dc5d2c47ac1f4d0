package database

import (
	"context"
	"fmt"
	"time"

	"bronisync/internal/models"
)

const retryColumns = `id, endpoint, payload, attempts, last_error, last_try_at, created_at`

func (db *DB) CreateRetryItem(ctx context.Context, item *models.RetryItem) error {
	now := time.Now().UTC()
	if item.LastTryAt.IsZero() {
		item.LastTryAt = now
	}
	item.LastTryAt = item.LastTryAt.UTC()
	item.CreatedAt = now

	query := `INSERT INTO retry_queue (endpoint, payload, attempts, last_error, last_try_at, created_at)
              VALUES (?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		item.Endpoint,
		item.Payload,
		item.Attempts,
		item.LastError,
		item.LastTryAt,
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create retry item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id
	return nil
}

func (db *DB) ListRetryItems(ctx context.Context) ([]models.RetryItem, error) {
	query := `SELECT ` + retryColumns + ` FROM retry_queue ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry items: %w", err)
	}
	defer rows.Close()

	var items []models.RetryItem
	for rows.Next() {
		var it models.RetryItem
		if err := rows.Scan(&it.ID, &it.Endpoint, &it.Payload, &it.Attempts, &it.LastError, &it.LastTryAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate retry items: %w", err)
	}
	return items, nil
}

// RecordRetryFailure bumps attempts of the item only if nobody else did since
// it was read with prevAttempts. It reports whether the row was updated.
func (db *DB) RecordRetryFailure(ctx context.Context, id int64, prevAttempts int, lastError string, at time.Time) (bool, error) {
	query := `UPDATE retry_queue SET attempts = attempts + 1, last_error = ?, last_try_at = ?
              WHERE id = ? AND attempts = ?`
	result, err := db.ExecContext(ctx, query, lastError, at.UTC(), id, prevAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to update retry item %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update retry item %d: %w", id, err)
	}
	return n > 0, nil
}

func (db *DB) DeleteRetryItem(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM retry_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete retry item %d: %w", id, err)
	}
	return nil
}

func (db *DB) DeleteRetryItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM retry_queue WHERE last_try_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up retry queue: %w", err)
	}
	return result.RowsAffected()
}
