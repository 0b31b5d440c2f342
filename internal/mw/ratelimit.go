package mw

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// limiterIdle is how long an idle client's limiter is kept.
const limiterIdle = 10 * time.Minute

// ClientRateLimiter hands out one token bucket per client key. Buckets of
// clients that went quiet expire from the cache.
type ClientRateLimiter struct {
	limiters *cache.Cache
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

func NewClientRateLimiter(r rate.Limit, b int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: cache.New(limiterIdle, limiterIdle),
		r:        r,
		b:        b,
	}
}

// Limiter returns the bucket for key, creating it on first use.
func (l *ClientRateLimiter) Limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.limiters.Get(key); ok {
		lim := v.(*rate.Limiter)
		// Touch so an active client keeps its bucket.
		l.limiters.SetDefault(key, lim)
		return lim
	}
	lim := rate.NewLimiter(l.r, l.b)
	l.limiters.SetDefault(key, lim)
	return lim
}

// Clients is the number of buckets currently held.
func (l *ClientRateLimiter) Clients() int {
	return l.limiters.ItemCount()
}

// RateLimiter rejects requests beyond r per second (burst b) per client IP.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	return RateLimitWith(NewClientRateLimiter(r, b))
}

func RateLimitWith(l *ClientRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := l.Limiter(c.ClientIP())
		if !lim.Allow() {
			retry := 1
			if lim.Limit() > 0 {
				retry = int(math.Ceil(1 / float64(lim.Limit())))
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
