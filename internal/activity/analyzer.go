// Package activity classifies recent booking volume.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bronisync/internal/domain"
	"bronisync/internal/models"

	"github.com/rs/zerolog"
)

type Analyzer struct {
	events domain.EventCounter
	store  domain.KVStore
	logger *zerolog.Logger
	now    func() time.Time
}

func NewAnalyzer(events domain.EventCounter, store domain.KVStore, logger *zerolog.Logger) *Analyzer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Analyzer{events: events, store: store, logger: logger, now: time.Now}
}

// ClassifyCounts maps trailing 1h/6h/24h counts to a level; first match wins.
func ClassifyCounts(h1, h6, h24 int) models.ActivityLevel {
	switch {
	case h1 >= 5:
		return models.ActivityHigh
	case h1 >= 2 || h6 >= 10:
		return models.ActivityMedium
	case h1 >= 1 || h24 >= 5:
		return models.ActivityLow
	default:
		return models.ActivityInactive
	}
}

// Classify counts recent bookings, classifies them and persists the snapshot.
func (a *Analyzer) Classify(ctx context.Context) (models.ActivitySnapshot, error) {
	now := a.now()

	var counts [3]int
	for i, window := range []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour} {
		n, err := a.events.CountBookingsSince(ctx, now.Add(-window))
		if err != nil {
			return models.ActivitySnapshot{}, fmt.Errorf("count bookings in %s: %w", window, err)
		}
		counts[i] = n
	}

	snap := models.ActivitySnapshot{
		Level:      ClassifyCounts(counts[0], counts[1], counts[2]),
		H1:         counts[0],
		H6:         counts[1],
		H24:        counts[2],
		AnalyzedAt: now,
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return snap, err
	}
	if err := a.store.Set(ctx, models.KeyActivity, data, 0); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to persist activity snapshot")
	}

	a.logger.Debug().
		Str("level", string(snap.Level)).
		Int("h1", snap.H1).
		Int("h6", snap.H6).
		Int("h24", snap.H24).
		Msg("Activity classified")
	return snap, nil
}

// Snapshot returns the last persisted snapshot.
func (a *Analyzer) Snapshot(ctx context.Context) (models.ActivitySnapshot, error) {
	var snap models.ActivitySnapshot
	data, err := a.store.Get(ctx, models.KeyActivity)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode activity snapshot: %w", err)
	}
	return snap, nil
}

// LoadLevel returns the persisted level, or "" when nothing usable is stored.
func (a *Analyzer) LoadLevel(ctx context.Context) models.ActivityLevel {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn().Err(err).Msg("Failed to load activity level")
		}
		return ""
	}
	if !snap.Level.Valid() {
		return ""
	}
	return snap.Level
}
