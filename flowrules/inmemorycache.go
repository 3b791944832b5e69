package flowrules

import (
	"sync"
	"time"
)

// InMemoryRulesCache is the default RulesCache: a mutex-guarded map
// keyed by trigger. Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	entries map[Trigger]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

type cacheEntry struct {
	rules    []*FlowRule
	cachedAt time.Time
}

// NewInMemoryRulesCache creates an empty cache.
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[Trigger]cacheEntry),
		config:  config,
	}
}

// Get retrieves cached rules for a trigger, nil on miss or expiry.
func (c *InMemoryRulesCache) Get(trigger Trigger) []*FlowRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[trigger]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}

	// Return a copy so callers can't mutate the cached slice.
	rules := make([]*FlowRule, len(entry.rules))
	copy(rules, entry.rules)
	return rules
}

// Set stores the active rules for a trigger.
func (c *InMemoryRulesCache) Set(trigger Trigger, rules []*FlowRule) {
	stored := make([]*FlowRule, len(rules))
	copy(stored, rules)

	c.mu.Lock()
	c.entries[trigger] = cacheEntry{rules: stored, cachedAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate clears all triggers.
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[Trigger]cacheEntry)
	c.mu.Unlock()
}
