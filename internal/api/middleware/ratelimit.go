package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per IP.
	Rate rate.Limit
	// Burst is the maximum burst size per IP.
	Burst int
	// CleanupInterval is how often idle limiters are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept.
	MaxAge time.Duration
}

// WebhookRateLimitConfig returns limits for the provider webhook endpoints,
// which receive every event of every call from a few provider addresses.
func WebhookRateLimitConfig(perSecond float64, burst int) RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(perSecond),
		Burst:           burst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type ipLimitEntry struct {
	limiter *rate.Limiter
	// lastSeen is the unix nano time of the latest request.
	lastSeen atomic.Int64
}

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	entries *xsync.MapOf[string, *ipLimitEntry]
	cfg     RateLimitConfig
	logger  *slog.Logger
}

// NewIPRateLimiter creates a per-IP rate limiter. Idle entries are removed
// by Run.
func NewIPRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *IPRateLimiter {
	return &IPRateLimiter{
		entries: xsync.NewMapOf[string, *ipLimitEntry](),
		cfg:     cfg,
		logger:  logger,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	entry, _ := rl.entries.LoadOrCompute(ip, func() *ipLimitEntry {
		return &ipLimitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
	})
	entry.lastSeen.Store(time.Now().UnixNano())
	return entry.limiter.Allow()
}

// Len returns the number of tracked IPs.
func (rl *IPRateLimiter) Len() int {
	return rl.entries.Size()
}

// Run removes idle entries every CleanupInterval until ctx is cancelled.
func (rl *IPRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup(time.Now())
		}
	}
}

// cleanup removes entries not seen within MaxAge of now.
func (rl *IPRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.cfg.MaxAge).UnixNano()
	removed := 0
	rl.entries.Range(func(ip string, entry *ipLimitEntry) bool {
		if entry.lastSeen.Load() < cutoff {
			rl.entries.Delete(ip)
			removed++
		}
		return true
	})
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", rl.entries.Size())
	}
}

// RateLimit returns middleware that answers 429 with Retry-After once a
// client IP exceeds its allowance.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if !limiter.Allow(ip) {
				limiter.logger.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP without its port. chi's RealIP runs first
// so proxied requests carry the forwarded address in RemoteAddr.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
