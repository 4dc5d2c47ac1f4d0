package scheduler

import (
	"testing"
	"time"

	"bronisync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestNextInterval(t *testing.T) {
	table := DefaultBackoffTable()

	tests := []struct {
		name     string
		failures uint
		level    models.ActivityLevel
		expected time.Duration
	}{
		{"high activity", 0, models.ActivityHigh, 60 * time.Second},
		{"medium activity", 0, models.ActivityMedium, 120 * time.Second},
		{"low activity", 0, models.ActivityLow, 300 * time.Second},
		{"inactive", 0, models.ActivityInactive, 900 * time.Second},
		{"unknown level", 0, "", 120 * time.Second},
		{"first failure", 1, models.ActivityInactive, 60 * time.Second},
		{"three failures ignore activity", 3, models.ActivityHigh, 300 * time.Second},
		{"three failures while inactive", 3, models.ActivityInactive, 300 * time.Second},
		{"table end", 5, models.ActivityHigh, 1800 * time.Second},
		{"beyond table end", 42, models.ActivityHigh, 1800 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := models.PollState{ConsecutiveFailures: tt.failures, ActivityLevel: tt.level}
			assert.Equal(t, tt.expected, NextInterval(state, table))
		})
	}
}

func TestNextIntervalCustomTable(t *testing.T) {
	state := models.PollState{ConsecutiveFailures: 4, ActivityLevel: models.ActivityHigh}
	assert.Equal(t, 20*time.Second, NextInterval(state, []time.Duration{10 * time.Second, 20 * time.Second}))
	assert.Equal(t, 60*time.Second, NextInterval(state, nil))
}
