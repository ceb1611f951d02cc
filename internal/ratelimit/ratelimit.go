// Package ratelimit throttles API clients with one token bucket per client.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a client has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// defaultClients bounds how many idle client buckets are remembered.
const defaultClients = 4096

// Config configures the per-client buckets.
type Config struct {
	RequestsPerMinute int // Refill rate. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
	MaxClients        int // Buckets kept before the least recently used is dropped. Default: 4096.
}

// Limiter hands each client an independent bucket, so one client cannot
// exhaust another's quota. A client evicted from the LRU starts over with a
// full bucket.
type Limiter struct {
	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 every call is allowed.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	size := cfg.MaxClients
	if size <= 0 {
		size = defaultClients
	}
	clients, _ := lru.New[string, *rate.Limiter](size) // only fails for size <= 0
	return &Limiter{
		clients: clients,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   max(burst, 1),
		now:     time.Now,
	}
}

// Allow consumes one token from clientID's bucket, or returns ErrRateLimited.
func (l *Limiter) Allow(clientID string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	l.mu.Lock()
	b, ok := l.clients.Get(clientID)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.clients.Add(clientID, b)
	}
	l.mu.Unlock()

	if !b.AllowN(l.now(), 1) {
		return ErrRateLimited
	}
	return nil
}

// RetryAfter estimates how long clientID must wait for its next token.
func (l *Limiter) RetryAfter(clientID string) time.Duration {
	if l == nil || l.limit <= 0 {
		return 0
	}
	l.mu.Lock()
	b, ok := l.clients.Peek(clientID)
	l.mu.Unlock()
	if !ok {
		return 0
	}
	now := l.now()
	r := b.ReserveN(now, 1)
	defer r.CancelAt(now)
	return r.DelayFrom(now)
}
