package scheduler

import (
	"time"

	"bronisync/internal/models"
)

// DefaultBackoffTable returns the failure backoff used when none is configured.
func DefaultBackoffTable() []time.Duration {
	table := make([]time.Duration, len(models.DefaultBackoffTable))
	for i, s := range models.DefaultBackoffTable {
		table[i] = time.Duration(s) * time.Second
	}
	return table
}

// ActivityInterval is the normal cadence for level.
func ActivityInterval(level models.ActivityLevel) time.Duration {
	switch level {
	case models.ActivityHigh:
		return 60 * time.Second
	case models.ActivityMedium:
		return 120 * time.Second
	case models.ActivityLow:
		return 300 * time.Second
	case models.ActivityInactive:
		return 900 * time.Second
	default:
		return models.DefaultInterval * time.Second
	}
}

// NextInterval picks the delay before the next cycle. Failure backoff wins
// over the activity cadence.
func NextInterval(state models.PollState, backoff []time.Duration) time.Duration {
	if state.ConsecutiveFailures > 0 && len(backoff) > 0 {
		idx := int(state.ConsecutiveFailures - 1)
		if idx > len(backoff)-1 {
			idx = len(backoff) - 1
		}
		return backoff[idx]
	}
	return ActivityInterval(state.ActivityLevel)
}
