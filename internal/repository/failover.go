package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"bronisync/internal/domain"

	"github.com/rs/zerolog"
)

// recoveryInterval is how long the primary stays bypassed after a failure.
const recoveryInterval = time.Minute

// FailoverStore routes calls to the primary store and switches to the
// fallback while the primary is failing.
type FailoverStore struct {
	primary   domain.KVStore
	fallback  domain.KVStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverStore(primary, fallback domain.KVStore, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// IsDown reports whether calls currently go to the fallback.
func (r *FailoverStore) IsDown() bool {
	return r.isDown.Load()
}

func (r *FailoverStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	// Try to recover after recoveryInterval
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary store failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary store recovered")
	}
}

// callbackError marks errors produced by an UpdateFunc rather than by the store.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// run calls op on the primary when healthy and on the fallback otherwise.
// ErrNotFound and UpdateFunc errors from the primary count as healthy answers.
func (r *FailoverStore) run(op func(domain.KVStore) error) error {
	if r.usePrimary() {
		err := op(r.primary)
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			r.markUp()
			return cbErr.err
		}
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			r.markUp()
			return err
		}
		r.markDown(err)
	}
	err := op(r.fallback)
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return cbErr.err
	}
	return err
}

func (r *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.run(func(s domain.KVStore) error {
		val, err := s.Get(ctx, key)
		out = val
		return err
	})
	return out, err
}

func (r *FailoverStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.run(func(s domain.KVStore) error {
		return s.Set(ctx, key, value, ttl)
	})
}

func (r *FailoverStore) Delete(ctx context.Context, key string) error {
	return r.run(func(s domain.KVStore) error {
		return s.Delete(ctx, key)
	})
}

func (r *FailoverStore) Update(ctx context.Context, key string, ttl time.Duration, fn domain.UpdateFunc) error {
	wrapped := func(current []byte) ([]byte, error) {
		next, err := fn(current)
		if err != nil {
			return nil, &callbackError{err: err}
		}
		return next, nil
	}
	return r.run(func(s domain.KVStore) error {
		return s.Update(ctx, key, ttl, wrapped)
	})
}
