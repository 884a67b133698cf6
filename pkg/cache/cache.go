// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/lru"
)

const (
	defaultMaxObjectSize = 1 << 20
	defaultMaxSize       = 64 << 20
	defaultTTL           = 60 * time.Second
)

// Config bounds a Cache.
type Config struct {
	MaxObjectSize int64         `yaml:"max_object_size"`
	MaxSize       int64         `yaml:"max_size"`
	MaxEntries    int           `yaml:"max_entries"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
}

// Entry is a stored response exactly as it was sent to the client.
type Entry struct {
	Data       []byte
	HeaderLen  int
	StatusCode int
	Stored     time.Time
	Expires    time.Time
}

// Header returns the header block of the stored response.
func (e *Entry) Header() []byte {
	return e.Data[:e.HeaderLen]
}

// Fresh reports whether the entry may still be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.Expires)
}

// Stats is a snapshot of cache usage.
type Stats struct {
	Entries   int    `json:"entries"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Stores    uint64 `json:"stores"`
	Evictions uint64 `json:"evictions"`
}

// Cache is a RAM response store with least-recently-used eviction bounded by
// entry count and total bytes. It is shared by all engines.
type Cache struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	lru       *lru.Cache
	size      int64
	hits      uint64
	misses    uint64
	stores    uint64
	evictions uint64
}

// New creates a cache. Zero fields in cfg take defaults.
func New(cfg Config) *Cache {
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = defaultMaxObjectSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	c := &Cache{cfg: cfg, now: time.Now}
	c.lru = lru.New(cfg.MaxEntries)
	c.lru.OnEvicted = func(_ lru.Key, v any) {
		c.size -= int64(len(v.(*Entry).Data))
		c.evictions++
	}
	return c
}

// MaxObjectSize is the largest response the cache accepts.
func (c *Cache) MaxObjectSize() int64 {
	return c.cfg.MaxObjectSize
}

// DefaultTTL applies to responses without an explicit lifetime.
func (c *Cache) DefaultTTL() time.Duration {
	return c.cfg.DefaultTTL
}

// Key builds the lookup key of a request.
func Key(host, target string) string {
	return strings.ToLower(host) + target
}

// Lookup returns a fresh entry for key. Stale entries are dropped.
func (c *Cache) Lookup(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	e := v.(*Entry)
	if !e.Fresh(c.now()) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e, true
}

// Store inserts e under key, evicting the least recently used entries until
// it fits. Oversized entries are refused.
func (c *Cache) Store(key string, e *Entry) bool {
	n := int64(len(e.Data))
	if n == 0 || n > c.cfg.MaxObjectSize || n > c.cfg.MaxSize || e.HeaderLen > len(e.Data) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
	for c.size+n > c.cfg.MaxSize && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	if e.Stored.IsZero() {
		e.Stored = c.now()
	}
	c.lru.Add(key, e)
	c.size += n
	c.stores++
	return true
}

// Remove drops key.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// Purge drops every stale entry and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var stale []lru.Key
	// lru exposes no iteration; walk by evicting into a fresh list.
	keep := make([]struct {
		k lru.Key
		e *Entry
	}, 0, c.lru.Len())
	evicted := c.lru.OnEvicted
	c.lru.OnEvicted = func(k lru.Key, v any) {
		e := v.(*Entry)
		if e.Fresh(now) {
			keep = append(keep, struct {
				k lru.Key
				e *Entry
			}{k, e})
			return
		}
		stale = append(stale, k)
		c.size -= int64(len(e.Data))
	}
	for c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.lru.OnEvicted = evicted
	for _, kv := range keep {
		c.lru.Add(kv.k, kv.e)
	}
	return len(stale)
}

// Stats returns a usage snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.lru.Len(),
		Size:      c.size,
		SizeHuman: humanize.IBytes(uint64(c.size)),
		Hits:      c.hits,
		Misses:    c.misses,
		Stores:    c.stores,
		Evictions: c.evictions,
	}
}
