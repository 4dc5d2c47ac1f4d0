// Package ratelimit implements fixed-window admission control shared between
// processes through the key-value store.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bronisync/internal/domain"
	"bronisync/internal/models"

	"github.com/rs/zerolog"
)

// Rule is the limit for one action.
type Rule struct {
	MaxAttempts   int
	WindowSeconds int
}

// Result is the answer to an Attempt or Inspect call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int((r.RetryAfter + time.Second - 1) / time.Second)
}

var allowAll = Result{Allowed: true}

type Limiter struct {
	store   domain.KVStore
	cache   *fifoCache
	rules   map[string]Rule
	logger  *zerolog.Logger
	metrics domain.MetricsSink
	now     func() time.Time
}

func New(store domain.KVStore, rules map[string]Rule, logger *zerolog.Logger, metrics domain.MetricsSink) *Limiter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	if rules == nil {
		rules = map[string]Rule{}
	}
	return &Limiter{
		store:   store,
		cache:   newFIFOCache(models.RateLimitCacheSize),
		rules:   rules,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// NormalizeKey lowercases key and drops every rune outside [a-z0-9:_-].
func NormalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ':', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ActionKey joins an action and the actor it is counted for.
func ActionKey(action, actor string) string {
	if actor == "" {
		return action
	}
	return action + ":" + actor
}

// Rule returns the configured rule for action.
func (l *Limiter) Rule(action string) Rule {
	return l.rules[action]
}

// Allow counts one attempt of action by actor against the configured rule.
func (l *Limiter) Allow(ctx context.Context, action, actor string) Result {
	rule := l.rules[action]
	res := l.Attempt(ctx, ActionKey(action, actor), rule.MaxAttempts, rule.WindowSeconds)
	if !res.Allowed {
		l.metrics.IncRateLimitDenied(action)
	}
	return res
}

// Attempt counts one attempt for key. Malformed input is always allowed.
func (l *Limiter) Attempt(ctx context.Context, key string, maxAttempts, windowSeconds int) Result {
	key = NormalizeKey(key)
	if key == "" || maxAttempts <= 0 || windowSeconds <= 0 {
		return allowAll
	}
	now := l.now()

	if cached, ok := l.cache.get(key); ok && !cached.Expired(now) && cached.Count >= maxAttempts {
		return deny(cached, now)
	}

	var (
		res  Result
		next models.RateLimitState
	)
	window := time.Duration(windowSeconds) * time.Second
	err := l.store.Update(ctx, storeKey(key), window, func(current []byte) ([]byte, error) {
		state := l.decode(key, current)
		next, res = apply(state, now, maxAttempts, window)
		if !res.Allowed {
			return nil, nil
		}
		return json.Marshal(next)
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("Rate limit store unavailable, using local cache")
		state, _ := l.cache.get(key)
		next, res = apply(state, now, maxAttempts, window)
	}

	l.cache.put(key, next)
	return res
}

// Inspect reports what Attempt would answer without counting.
func (l *Limiter) Inspect(ctx context.Context, key string, maxAttempts, windowSeconds int) (models.RateLimitState, Result) {
	key = NormalizeKey(key)
	if key == "" || maxAttempts <= 0 || windowSeconds <= 0 {
		return models.RateLimitState{}, allowAll
	}
	now := l.now()

	state, ok := l.cache.get(key)
	raw, err := l.store.Get(ctx, storeKey(key))
	switch {
	case err == nil:
		state = l.decode(key, raw)
	case errors.Is(err, domain.ErrNotFound):
		if !ok {
			state = models.RateLimitState{}
		}
	default:
		l.logger.Warn().Err(err).Str("key", key).Msg("Rate limit store unavailable, using local cache")
	}

	if state.Expired(now) {
		state = models.RateLimitState{}
	}
	if state.Count >= maxAttempts {
		return state, deny(state, now)
	}
	return state, Result{Allowed: true, Remaining: maxAttempts - state.Count}
}

// Reset forgets key both locally and in the store.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	key = NormalizeKey(key)
	if key == "" {
		return nil
	}
	l.cache.remove(key)
	return l.store.Delete(ctx, storeKey(key))
}

func (l *Limiter) decode(key string, raw []byte) models.RateLimitState {
	var state models.RateLimitState
	if len(raw) == 0 {
		return state
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable rate limit state")
		return models.RateLimitState{}
	}
	return state
}

// apply runs one attempt against state and returns the state to keep.
func apply(state models.RateLimitState, now time.Time, maxAttempts int, window time.Duration) (models.RateLimitState, Result) {
	if state.Expired(now) {
		state.Count = 0
	}
	if state.Count >= maxAttempts {
		return state, deny(state, now)
	}

	state.Count++
	if expires := now.Add(window); expires.After(state.WindowExpiresAt) {
		state.WindowExpiresAt = expires
	}
	return state, Result{Allowed: true, Remaining: maxAttempts - state.Count}
}

func deny(state models.RateLimitState, now time.Time) Result {
	retryAfter := state.WindowExpiresAt.Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Result{Allowed: false, RetryAfter: retryAfter}
}

func storeKey(key string) string {
	return models.KeyRateLimitNS + key
}
