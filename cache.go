package clapsql

import (
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/simplelru"
)

// DefaultCacheCeiling is the default maximum number of rows held by a Cache.
const DefaultCacheCeiling = 0x3fff

// Cache keeps the fully decoded rows of recently touched sub-tables, keyed by
// the sub-table's absolute path.
//
// An entry always holds the complete content of its sub-table; a missing entry
// means the sub-table must be read from disk. The total number of cached rows
// never exceeds the ceiling: whole sub-tables are evicted, least recently
// touched first. Evicted rows are simply dropped because the sub-table files
// are always authoritative.
type Cache[R Row[R]] struct {
	mu      sync.Mutex
	ledger  *simplelru.LRU // path -> []R, oldest first
	size    int
	ceiling int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type CacheStats struct {
	Entries   int
	Rows      int
	Ceiling   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// NewCache returns an empty cache holding at most ceiling rows. A ceiling <= 0
// selects DefaultCacheCeiling.
func NewCache[R Row[R]](ceiling int) *Cache[R] {
	if ceiling <= 0 {
		ceiling = DefaultCacheCeiling
	}
	// eviction is driven by row count, so the ledger itself is unbounded
	ledger := must(simplelru.NewLRU(math.MaxInt32, nil))
	return &Cache[R]{ledger: ledger, ceiling: ceiling}
}

// Put replaces the whole cached row list of a sub-table and marks it as most
// recently used. It may evict other sub-tables, or this one if it alone
// exceeds the ceiling.
func (c *Cache[R]) Put(path string, rows []R) {
	rows = slices.Clone(rows)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(path, rows)
}

// PutRow inserts or replaces a single row in an already cached sub-table.
// It does nothing and returns false when the sub-table is not cached, since a
// partial entry would hide rows from whole-table reads.
func (c *Cache[R]) PutRow(path string, row R) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.ledger.Peek(path)
	if !ok {
		return false
	}
	rows := slices.Clone(v.([]R))
	if i := indexOfRow(rows, row); i >= 0 {
		rows[i] = row
	} else {
		rows = append(rows, row)
	}
	c.putLocked(path, rows)
	return true
}

func (c *Cache[R]) putLocked(path string, rows []R) {
	if old, ok := c.ledger.Peek(path); ok {
		c.size -= len(old.([]R))
	}
	c.ledger.Add(path, rows)
	c.size += len(rows)
	c.resize()
}

func (c *Cache[R]) resize() {
	for c.size > c.ceiling && c.ledger.Len() > 0 {
		_, v, ok := c.ledger.RemoveOldest()
		if !ok {
			break
		}
		c.size -= len(v.([]R))
		c.evictions.Add(1)
	}
}

// Get returns a copy of the cached rows of a sub-table and marks it as most
// recently used.
func (c *Cache[R]) Get(path string) ([]R, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.ledger.Get(path)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return slices.Clone(v.([]R)), true
}

// GetRow looks up a row by key in a cached sub-table. resident reports whether
// the sub-table is cached at all; when it is, found == false is authoritative.
// Only a hit marks the sub-table as recently used.
func (c *Cache[R]) GetRow(path, key string) (row R, found, resident bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.ledger.Peek(path)
	if !ok {
		c.misses.Add(1)
		return row, false, false
	}
	rows := v.([]R)
	if i := indexOfKey(rows, key); i >= 0 {
		c.ledger.Get(path)
		c.hits.Add(1)
		return rows[i], true, true
	}
	c.hits.Add(1)
	return row, false, true
}

// peekLen returns the number of rows cached for path without touching it.
func (c *Cache[R]) peekLen(path string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.ledger.Peek(path)
	if !ok {
		return 0, false
	}
	return len(v.([]R)), true
}

// Remove drops a sub-table from the cache.
func (c *Cache[R]) Remove(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(path)
}

func (c *Cache[R]) removeLocked(path string) bool {
	v, ok := c.ledger.Peek(path)
	if !ok {
		return false
	}
	c.size -= len(v.([]R))
	c.ledger.Remove(path)
	return true
}

// RemovePrefix drops every sub-table whose path starts with prefix and returns
// how many were dropped.
func (c *Cache[R]) RemovePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, k := range c.ledger.Keys() {
		if path := k.(string); strings.HasPrefix(path, prefix) && c.removeLocked(path) {
			n++
		}
	}
	return n
}

// Purge empties the cache.
func (c *Cache[R]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger.Purge()
	c.size = 0
}

// Paths returns the cached sub-table paths, most recently used first.
func (c *Cache[R]) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.ledger.Keys()
	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[len(keys)-1-i] = k.(string)
	}
	return paths
}

// Len returns the number of cached sub-tables.
func (c *Cache[R]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Len()
}

// Size returns the total number of cached rows.
func (c *Cache[R]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache[R]) Ceiling() int {
	return c.ceiling
}

func (c *Cache[R]) Stats() CacheStats {
	c.mu.Lock()
	entries, rows := c.ledger.Len(), c.size
	c.mu.Unlock()
	return CacheStats{
		Entries:   entries,
		Rows:      rows,
		Ceiling:   c.ceiling,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
