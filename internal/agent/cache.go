package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/amibaren/essaygrader/internal/domain"
)

const (
	defaultCacheEntries = 256
	defaultCacheTTL     = 10 * time.Minute
)

// resultCache keeps successful outputs keyed by role, model and a hash of
// the rendered request. Entries older than ttl are treated as misses.
type resultCache struct {
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration
	now func() time.Time
}

type cacheEntry struct {
	output   domain.AgentOutput
	storedAt time.Time
}

func newResultCache(size int, ttl time.Duration, now func() time.Time) (*resultCache, error) {
	if size <= 0 {
		size = defaultCacheEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &resultCache{lru: c, ttl: ttl, now: now}, nil
}

func (c *resultCache) get(key string) (domain.AgentOutput, bool) {
	if c == nil {
		return domain.AgentOutput{}, false
	}
	e, ok := c.lru.Get(key)
	if !ok {
		return domain.AgentOutput{}, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.lru.Remove(key)
		return domain.AgentOutput{}, false
	}
	return e.output, true
}

func (c *resultCache) add(key string, out domain.AgentOutput) {
	if c == nil || !out.OK() {
		return
	}
	c.lru.Add(key, cacheEntry{output: out, storedAt: c.now()})
}

func (c *resultCache) purge() {
	if c != nil {
		c.lru.Purge()
	}
}

func (c *resultCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func cacheKey(role domain.AgentRole, model, system, user string, p Profile) string {
	h := sha256.New()
	params, _ := json.Marshal([]any{p.Temperature, p.MaxTokens})
	for _, part := range []string{string(role), model, system, user, string(params)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
