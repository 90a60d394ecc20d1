package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	bucketSweepEvery = 5 * time.Minute
	bucketIdleAfter  = 10 * time.Minute
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// bucketPool hands out one token bucket per client IP and forgets buckets
// that have been idle for a while.
type bucketPool struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newBucketPool(r rate.Limit, b int) *bucketPool {
	return &bucketPool{limit: r, burst: b, buckets: make(map[string]*bucket), lastSweep: time.Now()}
}

// take consumes one token for key and returns how long to wait when none was
// available.
func (p *bucketPool) take(key string, now time.Time) (ok bool, wait time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastSweep) >= bucketSweepEvery {
		for k, b := range p.buckets {
			if now.Sub(b.seen) >= bucketIdleAfter {
				delete(p.buckets, k)
			}
		}
		p.lastSweep = now
	}
	b, found := p.buckets[key]
	if !found {
		b = &bucket{lim: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[key] = b
	}
	b.seen = now
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (p *bucketPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}

// RateLimit allows r requests per second per client IP with bursts of b.
// Rejected requests get 429 and a Retry-After in whole seconds.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	return newBucketPool(r, b).handler()
}

func (p *bucketPool) handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := p.take(c.ClientIP(), time.Now())
		if !ok {
			secs := int(wait / time.Second)
			if wait%time.Second != 0 {
				secs++
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "Too many requests"})
			return
		}
		c.Next()
	}
}
