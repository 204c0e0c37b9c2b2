package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store"
)

// Allower is a fixed-window counter shared by all instances.
type Allower interface {
	Allow(ctx context.Context, name string, limit int64, window time.Duration) (bool, error)
}

type RateLimiter struct {
	counter Allower
	limit   int64
	window  time.Duration
	logger  *zap.Logger
}

func NewRateLimiter(counter Allower, perMinute int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{counter: counter, limit: int64(perMinute), window: time.Minute, logger: logger}
}

// Middleware limits each client IP. Health checks are never limited, and a
// counter store outage lets traffic through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.counter == nil || l.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := l.counter.Allow(r.Context(), "http:"+clientIP(r), l.limit, l.window)
		if err != nil {
			l.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", "60")
			_, body := mapError(store.ErrTooManyRequests)
			writeJSON(w, http.StatusTooManyRequests, body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
