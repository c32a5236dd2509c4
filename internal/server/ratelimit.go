// ratelimit.go - Per-IP limits by endpoint class.
package server

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"portfolio-api/internal/ratelimit"
)

const (
	classAuth   = "auth"
	classUpload = "upload"
	classPublic = "public"
)

// RateLimit allows Requests per Window. Zero Requests disables the limit.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// RateLimits holds one limit per endpoint class.
type RateLimits struct {
	Auth   RateLimit
	Upload RateLimit
	Public RateLimit
}

// DefaultRateLimits: auth 10/min against brute force, upload 20/hour,
// public reads 300/min.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Auth:   RateLimit{Requests: 10, Window: time.Minute},
		Upload: RateLimit{Requests: 20, Window: time.Hour},
		Public: RateLimit{Requests: 300, Window: time.Minute},
	}
}

func (l RateLimits) withDefaults() RateLimits {
	d := DefaultRateLimits()
	if l.Auth.Window <= 0 {
		l.Auth = d.Auth
	}
	if l.Upload.Window <= 0 {
		l.Upload = d.Upload
	}
	if l.Public.Window <= 0 {
		l.Public = d.Public
	}
	return l
}

func (s *Server) rateLimit(class string, limit RateLimit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit.Requests <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := s.clientIP(r)
			key := ratelimit.WindowKey(class, ip, limit.Window)
			d := s.limiter.Allow(r.Context(), key, limit.Requests, limit.Window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				s.metrics.rateLimited.WithLabelValues(class).Inc()
				s.log.Warn("rate_limit_exceeded",
					zap.String("rid", RequestIDFromContext(r.Context())),
					zap.String("ip", ip),
					zap.String("path", r.URL.Path),
					zap.String("class", class))
				writeRetryAfter(w, d.RetryAfter(time.Now()))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded for "+class+" endpoints")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the address that keys rate limits and the login
// lockout. Forwarding headers count only when the connection comes from a
// trusted proxy; X-Forwarded-For is then walked right to left and the first
// hop that is not itself a trusted proxy wins.
func (s *Server) clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil || !s.trustedProxy(addr) {
		return remote
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		client := addr.Unmap()
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = hop.Unmap()
			if !s.trustedProxy(client) {
				break
			}
		}
		return client.String()
	}
	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return remote
}

func (s *Server) trustedProxy(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range s.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
