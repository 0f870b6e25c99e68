package handler

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/weiawesome/wes-io-live-relay/pkg/response"
)

// ipLimiter is a token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		buckets: make(map[string]*ipBucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    5 * time.Minute,
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		// Sweep idle buckets while we hold the lock anyway.
		for k, v := range l.buckets {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.buckets, k)
			}
		}
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// middleware rejects requests over the per-IP rate. A non-positive rate
// disables limiting.
func (l *ipLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.limit <= 0 {
			c.Next()
			return
		}
		if !l.allow(c.ClientIP(), time.Now()) {
			response.TooManyRequests(c, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
