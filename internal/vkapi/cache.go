package vkapi

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

const maxCacheEntries = 4096

type cacheEntry struct {
	data    json.RawMessage
	expires time.Time
}

// responseCache is an in-memory TTL cache for API responses.
// Purely a performance optimization: a miss behaves exactly like a cold
// call, and nothing else ever reads it.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newResponseCache() *responseCache {
	return &responseCache{entries: map[string]cacheEntry{}}
}

// cacheKey canonicalizes (method, params): params sorted by key so callers
// building the same request in different order hit the same entry.
func cacheKey(method string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(method)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func (c *responseCache) get(key string, now time.Time) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.After(now) {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

func (c *responseCache) set(key string, data json.RawMessage, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCacheEntries {
		c.pruneLocked()
	}
	c.entries[key] = cacheEntry{data: data, expires: expires}
}

// pruneLocked evicts the soonest-to-expire entry, and while scanning drops
// everything already expired.
func (c *responseCache) pruneLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	now := time.Now()
	for k, e := range c.entries {
		if !e.expires.After(now) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey = k
			oldest = e.expires
		}
	}
	if len(c.entries) >= maxCacheEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}
