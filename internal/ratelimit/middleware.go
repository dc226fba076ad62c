package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// DeniedDetail is the body detail of a 429 response.
const DeniedDetail = "Rate limit exceeded. Please retry later."

var bypass = map[string]struct{}{
	"/":             {},
	"/docs":         {},
	"/openapi.json": {},
	"/health":       {},
	"/ready":        {},
	"/metrics":      {},
}

// Middleware admits each request through l, keyed by the client identity and
// the request path. Service endpoints such as /health are never limited.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	limit := strconv.Itoa(l.cfg.RequestsPerMinute)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := bypass[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		key := Key(Identify(r), r.URL.Path)
		allowed, retryAfter := l.Admit(key)
		if !allowed {
			slog.DebugContext(r.Context(), "rate limit exceeded", "key", key, "retry_after", retryAfter)
			reset := l.now().Unix() + int64(retryAfter)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": DeniedDetail})
			return
		}

		w.Header().Set("X-RateLimit-Limit", limit)
		next.ServeHTTP(w, r)
	})
}
