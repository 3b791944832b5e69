package flowrules

import "time"

// RulesCache caches the active rules per trigger so the store is not
// queried on every event. The engine invalidates it on every rule
// mutation, which keeps the cache lifecycle auditable: there is no ad
// hoc memoization anywhere else.
type RulesCache interface {
	// Get retrieves cached rules for a trigger, nil on miss or expiry.
	Get(trigger Trigger) []*FlowRule

	// Set stores the active rules for a trigger.
	Set(trigger Trigger, rules []*FlowRule)

	// Invalidate clears all triggers, forcing a refresh on next Get.
	Invalidate()
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for cached entries. Zero means no
	// expiration; entries live until the next mutation invalidates them.
	TTL time.Duration
}

// DefaultCacheConfig returns the defaults for rule caching: no TTL,
// invalidate on mutation only.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
