package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimit allows limit requests per window for each client IP. Idle
// client limiters expire from the cache after a few windows.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 || per <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiters := newClientLimiters(rate.Every(per/time.Duration(limit)), limit, 3*per)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.get(clientIPForRateLimit(r)).Allow() {
				w.Header().Set("Retry-After", retryAfter(per, limit))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type clientLimiters struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	cache *cache.Cache
}

func newClientLimiters(every rate.Limit, burst int, ttl time.Duration) *clientLimiters {
	return &clientLimiters{
		every: every,
		burst: burst,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *clientLimiters) get(ip string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache.Get(ip); ok {
		lim := v.(*rate.Limiter)
		c.cache.SetDefault(ip, lim)
		return lim
	}
	lim := rate.NewLimiter(c.every, c.burst)
	c.cache.SetDefault(ip, lim)
	return lim
}

func retryAfter(per time.Duration, limit int) string {
	secs := int((per / time.Duration(limit)).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func clientIPForRateLimit(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if ip == "" {
				continue
			}
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if net.ParseIP(host) != nil {
			return host
		}
	} else if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}

	return r.RemoteAddr
}
