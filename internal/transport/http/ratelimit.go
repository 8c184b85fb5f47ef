package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trustgate/trustgate/internal/cache"
)

// RateLimiter manages in-process token buckets per caller identity. It
// guards the token and introspection endpoints against a single hot
// client regardless of cache availability.
type RateLimiter struct {
	keys            map[string]*rate.Limiter
	mu              sync.RWMutex
	rps             rate.Limit
	burst           int
	cleanupInterval time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		keys:            make(map[string]*rate.Limiter),
		rps:             rate.Limit(rps),
		burst:           burst,
		cleanupInterval: 10 * time.Minute,
	}

	go rl.cleanup()

	return rl
}

// GetLimiter returns the limiter for a caller identity
func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.keys[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.keys[key] = limiter
	}

	return limiter
}

// cleanup periodically resets the bucket map so drive-by callers do not
// accumulate. Active callers get a fresh limiter on their next request.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	for range ticker.C {
		rl.mu.Lock()
		rl.keys = make(map[string]*rate.Limiter)
		rl.mu.Unlock()
	}
}

// ClientRateLimitMiddleware applies the per-caller bucket. The key is
// the authenticating client_id (Basic auth or form body); anonymous
// requests share a per-IP bucket.
func ClientRateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			limiter := rl.GetLimiter(key)
			if !limiter.Allow() {
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller of a client-authenticated endpoint.
// ParseForm caches its result, so the handler's own call sees the same
// parsed body.
func clientKey(r *http.Request) string {
	if username, _, ok := r.BasicAuth(); ok && username != "" {
		return "client:" + username
	}
	if err := r.ParseForm(); err == nil {
		if clientID := r.Form.Get("client_id"); clientID != "" {
			return "client:" + clientID
		}
	}
	return "ip:" + getIPAddress(r)
}

// SlidingWindowMiddleware applies the shared redis window per route
// class. The identity is an anonymous caller marker: session cookie,
// bearer prefix, api-key prefix, or "anonymous"; the limiter digests it
// before it touches a redis key. When redis is down the window fails
// open and the limiter records the degradation.
func SlidingWindowMiddleware(window *cache.SlidingWindow, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !window.Allow(r.Context(), routeClass(r.URL.Path), requestIdentity(r, cookieName)) {
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routeClass buckets paths so one window limit cannot be spent on
// /health pings and then exhausted for /token.
func routeClass(path string) string {
	switch {
	case path == "/authorize" || path == "/token" || path == "/introspect" || path == "/revoke":
		return "oauth"
	case strings.HasPrefix(path, "/v1/auth"):
		return "auth"
	case strings.HasPrefix(path, "/v1/keys"):
		return "keys"
	case strings.HasPrefix(path, "/v1/clients"):
		return "clients"
	default:
		return "api"
	}
}

// requestIdentity picks the strongest anonymous identity available. The
// raw values never leave the process; the sliding window hashes them.
func requestIdentity(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return "session:" + cookie.Value
	}
	if token := bearerToken(r); token != "" {
		if len(token) > 16 {
			token = token[:16]
		}
		return "bearer:" + token
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		if len(key) > 12 {
			key = key[:12]
		}
		return "key:" + key
	}
	return "anonymous:" + getIPAddress(r)
}
