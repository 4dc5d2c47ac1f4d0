package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bronisync/internal/models"
	"bronisync/internal/ratelimit"

	"github.com/go-chi/chi/v5"
)

type rateLimitView struct {
	Key               string    `json:"key"`
	Count             int       `json:"count"`
	WindowExpiresAt   time.Time `json:"window_expires_at"`
	MaxAttempts       int       `json:"max_attempts"`
	WindowSeconds     int       `json:"window_seconds"`
	Allowed           bool      `json:"allowed"`
	Remaining         int       `json:"remaining"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		res := s.limiter.Allow(r.Context(), models.ActionHealth, clientIP(r))
		if !res.Allowed {
			tooManyRequests(w, res)
			return
		}
	}

	resp := map[string]any{"status": "ok"}
	if s.poller != nil {
		resp["poller_enabled"] = s.poller.Enabled()
		resp["next_interval_seconds"] = int(s.poller.Interval() / time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handlePollState(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "poller is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.poller.State(r.Context()))
}

type pollEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *HTTPServer) handlePollEnabled(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "poller is not configured")
		return
	}

	var req pollEnabledRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}

	s.poller.SetEnabled(*req.Enabled)
	s.log.Info().Bool("enabled", *req.Enabled).Str("remote", clientIP(r)).Msg("Poller toggled over API")
	writeJSON(w, http.StatusOK, map[string]any{
		"poller_enabled":        s.poller.Enabled(),
		"next_interval_seconds": int(s.poller.Interval() / time.Second),
	})
}

func (s *HTTPServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "poller is not configured")
		return
	}
	if s.limiter != nil {
		res := s.limiter.Allow(r.Context(), models.ActionTrigger, clientIP(r))
		if !res.Allowed {
			tooManyRequests(w, res)
			return
		}
	}

	out, err := s.poller.TriggerNow(r.Context())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleRetryItems(w http.ResponseWriter, r *http.Request) {
	if s.retries == nil {
		writeError(w, http.StatusServiceUnavailable, "retry queue is not configured")
		return
	}
	items, err := s.retries.Items(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list retry items")
		writeError(w, http.StatusInternalServerError, "failed to list retry items")
		return
	}
	if items == nil {
		items = []models.RetryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *HTTPServer) handleRateLimitInspect(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter is not configured")
		return
	}
	key := ratelimit.NormalizeKey(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	rule, err := s.ruleFor(r, key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, res := s.limiter.Inspect(r.Context(), key, rule.MaxAttempts, rule.WindowSeconds)
	writeJSON(w, http.StatusOK, rateLimitView{
		Key:               key,
		Count:             state.Count,
		WindowExpiresAt:   state.WindowExpiresAt,
		MaxAttempts:       rule.MaxAttempts,
		WindowSeconds:     rule.WindowSeconds,
		Allowed:           res.Allowed,
		Remaining:         res.Remaining,
		RetryAfterSeconds: res.RetryAfterSeconds(),
	})
}

func (s *HTTPServer) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limiter is not configured")
		return
	}
	key := ratelimit.NormalizeKey(chi.URLParam(r, "key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.limiter.Reset(r.Context(), key); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("reset rate limit")
		writeError(w, http.StatusInternalServerError, "failed to reset rate limit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "reset": true})
}

// ruleFor takes max/window from the query, falling back to the rule of the
// action the key starts with ("poll:..." -> poll).
func (s *HTTPServer) ruleFor(r *http.Request, key string) (ratelimit.Rule, error) {
	action, _, _ := strings.Cut(key, ":")
	rule := s.limiter.Rule(action)

	q := r.URL.Query()
	if raw := q.Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return rule, errBadQuery("max")
		}
		rule.MaxAttempts = n
	}
	if raw := q.Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return rule, errBadQuery("window")
		}
		rule.WindowSeconds = n
	}
	return rule, nil
}

type errBadQuery string

func (e errBadQuery) Error() string { return string(e) + " must be a positive integer" }

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func tooManyRequests(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
