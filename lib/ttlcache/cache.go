/*
Copyright 2025 The Project Host Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ttlcache implements a small, mutex-protected cache with a fixed
// TTL and a hard entry-count cap, used for the short-lived authorization
// caches described in the auth-primitive library: collaborator lookups
// and ACL decisions are both expensive enough to be worth memoizing, but
// must never grow unbounded and must never outlive a revocation by more
// than the configured TTL.
package ttlcache

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Config configures a Cache.
type Config struct {
	// TTL is how long an entry remains valid after being set.
	TTL time.Duration
	// MaxEntries caps the number of live entries. When a Set would exceed
	// the cap, the cache evicts the entry with the oldest expiry instead
	// of growing past it.
	MaxEntries int
	// Clock is the time source; defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates c and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.TTL <= 0 {
		return trace.BadParameter("TTL must be positive")
	}
	if c.MaxEntries <= 0 {
		return trace.BadParameter("MaxEntries must be positive")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a generic, TTL-bounded, entry-capped cache safe for concurrent
// use. It does not run a background sweep: expired entries are purged
// lazily, on Get and on Set.
type Cache[K comparable, V any] struct {
	cfg Config

	mu      sync.Mutex
	entries map[K]entry[V]
}

// New creates a Cache from cfg.
func New[K comparable, V any](cfg Config) (*Cache[K, V], error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache[K, V]{
		cfg:     cfg,
		entries: make(map[K]entry[V]),
	}, nil
}

// Get returns the cached value for key, if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !c.cfg.Clock.Now().Before(e.expires) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value for key with the configured TTL. If storing the new
// entry would exceed MaxEntries, the cache first purges expired entries
// and, if still over the cap, evicts the single soonest-to-expire entry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictExpiredLocked(now)
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}

	c.entries[key] = entry[V]{value: value, expires: now.Add(c.cfg.TTL)}
}

// Flush removes every entry from the cache.
func (c *Cache[K, V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

// Len returns the current number of entries, including any not yet
// lazily purged even though expired.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, V]) evictExpiredLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache[K, V]) evictOldestLocked() {
	var oldestKey K
	var oldestExpiry time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expires.Before(oldestExpiry) {
			oldestKey = k
			oldestExpiry = e.expires
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
