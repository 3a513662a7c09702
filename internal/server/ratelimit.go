package server

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alfredjeanlab/huddle/internal/metrics"
)

// errThrottled is returned when a user heartbeats faster than allowed.
var errThrottled = errors.New("too many heartbeats")

// limiterIdleTTL is how long an unused bucket is kept. An evicted user
// starts again with a full bucket, so it must outlast a full refill.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	l        *rate.Limiter
	lastUsed time.Time
}

// limiterPool hands out one token bucket per user and forgets buckets
// that have sat idle for longer than idleTTL.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       float64
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	ttl := limiterIdleTTL
	if refill := time.Duration(float64(burst) / rps * float64(time.Second)); refill > ttl {
		ttl = refill
	}
	return &limiterPool{
		m:       make(map[string]*limiterEntry),
		rps:     rps,
		burst:   burst,
		idleTTL: ttl,
		now:     time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastSweep) >= p.idleTTL {
		p.evictIdle(now)
	}
	if e, ok := p.m[key]; ok {
		e.lastUsed = now
		return e.l
	}
	e := &limiterEntry{l: rate.NewLimiter(rate.Limit(p.rps), p.burst), lastUsed: now}
	p.m[key] = e
	return e.l
}

// evictIdle drops buckets unused for idleTTL. Callers hold p.mu.
func (p *limiterPool) evictIdle(now time.Time) {
	for key, e := range p.m {
		if now.Sub(e.lastUsed) >= p.idleTTL {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

// Len returns the number of buckets held.
func (p *limiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Allow reports whether key may proceed now.
func (p *limiterPool) Allow(key string) bool {
	if p.get(key).Allow() {
		return true
	}
	metrics.HeartbeatsThrottled.Inc()
	return false
}
