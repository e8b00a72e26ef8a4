// Package inventory holds the resources discovered during one scan.
package inventory

import (
	"sort"
	"sync"

	"github.com/yairfalse/posture/pkg/resource"
)

// Cache holds the most recent successful discovery per kind for one scan.
// Writers for distinct kinds may call Put concurrently.
type Cache struct {
	mu     sync.RWMutex
	kinds  map[resource.Kind][]resource.Record
	sealed bool
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{kinds: make(map[resource.Kind][]resource.Record)}
}

// Put stores a snapshot for kind, replacing any earlier one.
// Puts after Seal are ignored and reported as false.
func (c *Cache) Put(kind resource.Kind, records []resource.Record) bool {
	snap := make([]resource.Record, len(records))
	copy(snap, records)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return false
	}
	c.kinds[kind] = snap
	return true
}

// Get returns the snapshot for kind. ok is false when discovery never completed.
func (c *Cache) Get(kind resource.Kind) ([]resource.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records, ok := c.kinds[kind]
	return records, ok
}

// Seal freezes the cache and returns a read-only view of it.
func (c *Cache) Seal() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true

	kinds := make(map[resource.Kind][]resource.Record, len(c.kinds))
	for k, v := range c.kinds {
		kinds[k] = v
	}
	return Snapshot{kinds: kinds}
}

// Snapshot is a sealed inventory. It is safe for concurrent reads without locking.
type Snapshot struct {
	kinds map[resource.Kind][]resource.Record
}

// NewSnapshot builds a sealed inventory directly, mostly for tests.
func NewSnapshot(kinds map[resource.Kind][]resource.Record) Snapshot {
	c := NewCache()
	for k, v := range kinds {
		c.Put(k, v)
	}
	return c.Seal()
}

// Get returns the records of kind and whether discovery for it succeeded.
func (s Snapshot) Get(kind resource.Kind) ([]resource.Record, bool) {
	records, ok := s.kinds[kind]
	return records, ok
}

// Has reports whether kind was discovered.
func (s Snapshot) Has(kind resource.Kind) bool {
	_, ok := s.kinds[kind]
	return ok
}

// Kinds returns the discovered kinds in name order.
func (s Snapshot) Kinds() []resource.Kind {
	out := make([]resource.Kind, 0, len(s.kinds))
	for k := range s.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts returns the number of records per discovered kind.
func (s Snapshot) Counts() map[resource.Kind]int {
	out := make(map[resource.Kind]int, len(s.kinds))
	for k, v := range s.kinds {
		out[k] = len(v)
	}
	return out
}
