// Package ratelimit throttles inbound traffic per identity.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	defaultBurst     = 5
	defaultPerMinute = 20
	defaultMaxKeys   = 10000
)

// Limiter holds one token bucket per key. The least recently seen keys are
// evicted once maxKeys buckets exist; an evicted key starts with a full
// bucket again.
type Limiter struct {
	burst     int
	perMinute float64
	buckets   *lru.Cache[string, *rate.Limiter]
	mu        sync.Mutex
	now       func() time.Time
}

func New(burst int, perMinute float64) *Limiter {
	if burst <= 0 {
		burst = defaultBurst
	}
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	buckets, _ := lru.New[string, *rate.Limiter](defaultMaxKeys)
	return &Limiter{
		burst:     burst,
		perMinute: perMinute,
		buckets:   buckets,
		now:       time.Now,
	}
}

// Allow reports whether key may proceed now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.perMinute/60.0), l.burst)
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()

	return b.AllowN(l.now(), 1)
}
