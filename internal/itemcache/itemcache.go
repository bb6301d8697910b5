// Package itemcache holds the process-wide mapping from identifier to Item.
//
// Items are stored by value, so callers always receive copies. The cache is
// safe for concurrent readers; writes come from the coordinator only.
package itemcache

import (
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fruitsalade/fileprovider/internal/identifier"
	"github.com/fruitsalade/fileprovider/internal/item"
	"github.com/fruitsalade/fileprovider/internal/metrics"
)

// Cache maps identifiers to item snapshots.
type Cache struct {
	items *xsync.MapOf[string, item.Item]
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		items: xsync.NewMapOf[string, item.Item](),
	}
}

// Get returns the cached item for id.
func (c *Cache) Get(id string) (item.Item, bool) {
	if id == identifier.Root {
		return c.Root(), true
	}
	it, ok := c.items.Load(id)
	metrics.RecordCacheLookup(ok)
	return it, ok
}

// Put inserts or replaces the entry for id. Last writer wins.
func (c *Cache) Put(id string, it item.Item) {
	it.ID = id
	c.items.Store(id, it)
	metrics.SetCacheItems(c.items.Size())
}

// Update atomically replaces the entry for id with the result of fn. fn
// receives the current item and whether it exists; returning keep=false
// removes the entry.
func (c *Cache) Update(id string, fn func(it item.Item, ok bool) (next item.Item, keep bool)) (item.Item, bool) {
	it, ok := c.items.Compute(id, func(old item.Item, loaded bool) (item.Item, bool) {
		next, keep := fn(old, loaded)
		next.ID = id
		return next, !keep
	})
	metrics.SetCacheItems(c.items.Size())
	return it, ok
}

// Delete removes the entry for id and reports whether it existed.
func (c *Cache) Delete(id string) bool {
	_, ok := c.items.LoadAndDelete(id)
	metrics.SetCacheItems(c.items.Size())
	return ok
}

// DeleteTree removes id and, when it names a container, every descendant.
// It returns the number of removed entries.
func (c *Cache) DeleteTree(id string) int {
	removed := 0
	if c.Delete(id) {
		removed++
	}
	if !identifier.IsContainer(id) || id == identifier.Root {
		return removed
	}
	c.items.Range(func(key string, _ item.Item) bool {
		if strings.HasPrefix(key, id) {
			c.items.Delete(key)
			removed++
		}
		return true
	})
	metrics.SetCacheItems(c.items.Size())
	return removed
}

// Root returns the synthetic root container, creating it on first use.
func (c *Cache) Root() item.Item {
	root, _ := c.items.LoadOrCompute(identifier.Root, item.NewRoot)
	return root
}

// Children returns the cached direct children of parentID, sorted by identifier.
func (c *Cache) Children(parentID string) []item.Item {
	var children []item.Item
	c.items.Range(func(key string, it item.Item) bool {
		if key != parentID && it.ParentID == parentID {
			children = append(children, it)
		}
		return true
	})
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children
}

// Len returns the number of cached entries, the root included once created.
func (c *Cache) Len() int {
	return c.items.Size()
}

// Snapshot returns a copy of every cached item, sorted by identifier.
func (c *Cache) Snapshot() []item.Item {
	all := make([]item.Item, 0, c.items.Size())
	c.items.Range(func(_ string, it item.Item) bool {
		all = append(all, it)
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
