package models

import "time"

// ActivityLevel is the discrete classification of recent booking volume.
type ActivityLevel string

// Valid reports whether l is one of the known levels.
func (l ActivityLevel) Valid() bool {
	switch l {
	case ActivityHigh, ActivityMedium, ActivityLow, ActivityInactive:
		return true
	default:
		return false
	}
}

// ErrorEntry is one entry of PollState.RecentErrors.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// PollStats are rolling counters kept for dashboards.
type PollStats struct {
	TotalPolls      uint64  `json:"total_polls"`
	SuccessfulPolls uint64  `json:"successful_polls"`
	FailedPolls     uint64  `json:"failed_polls"`
	SkippedPolls    uint64  `json:"skipped_polls"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	LastFetched     int     `json:"last_fetched"`
}

// PollState is the process-wide scheduler state persisted after every cycle.
type PollState struct {
	ConsecutiveFailures    uint          `json:"consecutive_failures"`
	ActivityLevel          ActivityLevel `json:"activity_level"`
	CurrentIntervalSeconds uint          `json:"current_interval_seconds"`
	LastPollAt             time.Time     `json:"last_poll_at"`
	LastSuccessAt          time.Time     `json:"last_success_at"`
	LastFailureAt          time.Time     `json:"last_failure_at"`
	RecentErrors           []ErrorEntry  `json:"recent_errors"`
	Stats                  PollStats     `json:"stats"`
}

// RecordError appends an entry, evicting the oldest once the cap is reached.
func (s *PollState) RecordError(entry ErrorEntry) {
	s.RecentErrors = append(s.RecentErrors, entry)
	if over := len(s.RecentErrors) - MaxRecentErrors; over > 0 {
		s.RecentErrors = append([]ErrorEntry(nil), s.RecentErrors[over:]...)
	}
}

// ObserveDuration folds d into the rolling average.
func (s *PollState) ObserveDuration(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	n := s.Stats.SuccessfulPolls + s.Stats.FailedPolls
	if n <= 1 || s.Stats.AvgDurationMs == 0 {
		s.Stats.AvgDurationMs = ms
		return
	}
	s.Stats.AvgDurationMs += (ms - s.Stats.AvgDurationMs) / float64(n)
}

// ActivitySnapshot is the persisted output of the activity analyzer.
type ActivitySnapshot struct {
	Level      ActivityLevel `json:"level"`
	H1         int           `json:"h1"`
	H6         int           `json:"h6"`
	H24        int           `json:"h24"`
	AnalyzedAt time.Time     `json:"analyzed_at"`
}
