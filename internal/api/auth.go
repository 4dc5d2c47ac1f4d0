package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"bronisync/internal/config"
)

var (
	errMissingAPIKey = errors.New("missing api key header")
	errInvalidAPIKey = errors.New("invalid api key")
)

// HTTPAuth checks the API key header on admin routes.
type HTTPAuth struct {
	cfg    config.APIAuthConfig
	header string
	keys   [][]byte
}

func NewHTTPAuth(cfg config.APIAuthConfig) *HTTPAuth {
	header := strings.TrimSpace(cfg.Header)
	if header == "" {
		header = "X-API-Key"
	}
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return &HTTPAuth{cfg: cfg, header: header, keys: keys}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		if err := a.checkAuth(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.header))
	if apiKey == "" {
		return errMissingAPIKey
	}
	// сравниваем со всеми ключами, чтобы время ответа не зависело от позиции
	matched := 0
	for _, k := range a.keys {
		matched |= subtle.ConstantTimeCompare(k, []byte(apiKey))
	}
	if matched != 1 {
		return errInvalidAPIKey
	}
	return nil
}
