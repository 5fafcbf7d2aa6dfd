package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"livecore/pkg/config"
	"livecore/pkg/errors"
	"livecore/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterSet hands out one token bucket per caller key.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP prefers the first X-Forwarded-For entry over the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// callerKey is the authenticated user when there is one, the client IP
// otherwise. Register the auth middleware first.
func callerKey(r *http.Request) string {
	if userID, ok := logger.UserFromContext(r.Context()); ok && userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIP(r)
}

// retryAfter is how long until limiter grants the next token.
func retryAfter(limiter *rate.Limiter) time.Duration {
	r := limiter.Reserve()
	defer r.Cancel()
	return r.Delay()
}

func abortRateLimited(c *gin.Context, limiter *rate.Limiter) {
	wait := int(math.Max(1, math.Ceil(retryAfter(limiter).Seconds())))
	c.Header("Retry-After", strconv.Itoa(wait))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":     string(errors.ErrCodeRateLimit),
		"message":   "rate limit exceeded",
		"retryable": true,
		"details":   gin.H{"retry_after_seconds": wait},
	})
}

// NewHTTPRateLimitMiddleware limits every request per caller and caps the
// number of requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	limiters := newLimiterSet(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var inFlight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   string(errors.ErrCodeServiceUnavailable),
					"message": "too many concurrent requests",
				})
				return
			}
		}

		limiter := limiters.get(callerKey(c.Request))
		if !limiter.Allow() {
			abortRateLimited(c, limiter)
			return
		}
		c.Next()
	}
}

// NewSessionStartLimitMiddleware guards the routes that start or rebuild a
// session. A caller gets Burst starts at once, then PerMinute.
func NewSessionStartLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	starts := cfg.RateLimiting.SessionStarts
	limiters := newLimiterSet(rate.Limit(starts.PerMinute/60), starts.Burst)

	return func(c *gin.Context) {
		limiter := limiters.get(callerKey(c.Request))
		if !limiter.Allow() {
			abortRateLimited(c, limiter)
			return
		}
		c.Next()
	}
}
