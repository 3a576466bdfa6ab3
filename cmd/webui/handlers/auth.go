package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrAPIKeyRequired    = errors.New("API key required")
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// AuthMiddleware checks a single shared API key, given as
// "Authorization: ApiKey <key>" or the api_key query parameter. An empty key
// disables authentication.
type AuthMiddleware struct {
	APIKey string
	// RequestsPerMinute per key; 0 means unlimited.
	RequestsPerMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewAuthMiddleware(apiKey string, requestsPerMinute int) *AuthMiddleware {
	return &AuthMiddleware{
		APIKey:            apiKey,
		RequestsPerMinute: requestsPerMinute,
		limiters:          make(map[string]*rate.Limiter),
	}
}

func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			RecordError("auth")
			writeError(w, http.StatusUnauthorized, ErrAPIKeyRequired)
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(m.APIKey)) != 1 {
			RecordError("auth")
			writeError(w, http.StatusUnauthorized, ErrInvalidAPIKey)
			return
		}
		if !m.allow(key) {
			RecordError("rate_limit")
			writeError(w, http.StatusTooManyRequests, ErrRateLimitExceeded)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) allow(key string) bool {
	if m.RequestsPerMinute <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(m.RequestsPerMinute)), m.RequestsPerMinute)
		m.limiters[key] = l
	}
	return l.Allow()
}

func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "ApiKey ") {
		return strings.TrimPrefix(h, "ApiKey ")
	}
	return r.URL.Query().Get("api_key")
}
