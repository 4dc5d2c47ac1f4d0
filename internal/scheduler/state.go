package scheduler

import (
	"context"
	"encoding/json"
	"errors"

	"bronisync/internal/domain"
	"bronisync/internal/models"

	"github.com/rs/zerolog"
)

// State returns the persisted poll state, falling back to the last state
// this process saw.
func (s *Scheduler) State(ctx context.Context) models.PollState {
	state, err := s.readState(ctx)
	if err != nil {
		s.stateMu.RLock()
		defer s.stateMu.RUnlock()
		return s.last
	}
	return state
}

func (s *Scheduler) readState(ctx context.Context) (models.PollState, error) {
	var state models.PollState
	data, err := s.store.Get(ctx, models.KeyPollState)
	if err != nil {
		return state, err
	}
	err = json.Unmarshal(data, &state)
	return state, err
}

func (s *Scheduler) loadState(ctx context.Context) models.PollState {
	state, err := s.readState(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		state = models.PollState{}
		if s.activity != nil {
			state.ActivityLevel = s.activity.LoadLevel(ctx)
		}
	default:
		s.logger.Warn().Err(err).Msg("Failed to load poll state, using local copy")
		s.stateMu.RLock()
		state = s.last
		s.stateMu.RUnlock()
	}
	// RecentErrors must not alias the cached copy
	state.RecentErrors = append([]models.ErrorEntry(nil), state.RecentErrors...)
	return state
}

// saveState writes state unless the stored one was written by a newer poll.
func (s *Scheduler) saveState(ctx context.Context, state models.PollState, log *zerolog.Logger) {
	s.stateMu.Lock()
	s.last = state
	s.stateMu.Unlock()

	err := s.store.Update(ctx, models.KeyPollState, 0, func(current []byte) ([]byte, error) {
		if len(current) > 0 {
			var stored models.PollState
			if err := json.Unmarshal(current, &stored); err == nil && stored.LastPollAt.After(state.LastPollAt) {
				log.Debug().Time("stored_last_poll", stored.LastPollAt).Msg("Stored poll state is newer, not overwriting")
				return nil, nil
			}
		}
		return json.Marshal(state)
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist poll state")
	}
}
