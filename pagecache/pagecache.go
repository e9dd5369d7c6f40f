// Package pagecache is a reference implementation of the page cache
// (PC) component spec.md §4 treats as external, specified only by its
// contract in §6: get_page, make_dirty, evict, truncate, sync_range.
//
// A concrete implementation is supplied (rather than left as an
// interface with no body) so the VMM and VFS-io core can be exercised
// independently, the way gvisor's pgalloc.MemoryFile backs
// pkg/sentry/mm. The eviction and dirty-tracking design is grounded on
// the buffer-pool pattern in other_examples' tinySQL pager
// (PageBufferPool: a pinned-count doubly linked LRU list keyed by a
// page identity) and bltree-go-for-embedding's bufmgr.go.
package pagecache

import (
	"fmt"
	"sync"

	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/kernlog"
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/vfscore"
)

var evictLog = kernlog.Subsystem("pagecache")

// Key identifies a cached page by (v-node, page-aligned offset).
type Key struct {
	VnodeID uint64
	Offset  int64
}

type entry struct {
	key   Key
	pa    mem.Pa
	dirty bool
	prev  *entry
	next  *entry
}

// Cache is the page cache: a keyed store of physical pages indexed by
// (v-node, page-aligned offset), owning dirty tracking and an
// LRU-driven best-effort eviction policy.
type Cache struct {
	mu       sync.Mutex
	pmm      *mem.PMM
	capacity int
	byKey    map[Key]*entry
	byPa     map[mem.Pa]*entry
	head     *entry // most recently used
	tail     *entry // least recently used
}

// New creates a page cache backed by pmm, holding at most capacity
// resident pages before it starts evicting least-recently-used entries
// on its own Get path (independent of the explicit NOCACHE eviction
// vfsio requests).
func New(pmm *mem.PMM, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &Cache{
		pmm:      pmm,
		capacity: capacity,
		byKey:    make(map[Key]*entry),
		byPa:     make(map[mem.Pa]*entry),
	}
}

func (c *Cache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) pushFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) touch(e *entry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

// GetPage returns the physical page caching (vnode, offset), reading
// it in via the v-node's Getpage operation on a miss. On success the
// cache holds one reference that the caller must later release via
// PMM (by dropping its returned mapping) — spec.md §6's stated
// contract: the cache's own residency hold is separate and is dropped
// only by eviction (Evict, or the over-capacity eviction GetPage itself
// performs) or by Truncate.
func (c *Cache) GetPage(v *vfscore.Vnode, offset int64) (mem.Pa, defs.Err_t) {
	k := Key{VnodeID: v.ID, Offset: offset}

	c.mu.Lock()
	if e, ok := c.byKey[k]; ok {
		c.touch(e)
		pa := e.pa
		c.mu.Unlock()
		c.pmm.Hold(pa)
		return pa, 0
	}
	c.mu.Unlock()

	pa, ok := c.pmm.AllocPage()
	if !ok {
		return 0, defs.ENOMEM
	}
	if err := v.Ops.Getpage(v, offset, pa); err != 0 {
		c.pmm.Release(pa)
		return 0, err
	}
	c.pmm.Pin(pa)

	c.mu.Lock()
	e := &entry{key: k, pa: pa}
	c.byKey[k] = e
	c.byPa[pa] = e
	c.pushFront(e)
	c.evictOverCapacityLocked()
	c.mu.Unlock()

	c.pmm.Hold(pa) // the reference handed to the caller
	return pa, 0
}

// evictOverCapacityLocked best-effort evicts from the tail until the
// cache is back under capacity or every remaining entry is still
// referenced by a live mapping. Must be called with c.mu held.
func (c *Cache) evictOverCapacityLocked() {
	for len(c.byKey) > c.capacity {
		e := c.tail
		if e == nil {
			return
		}
		if !c.tryEvictLocked(e) {
			// tail entry is still mapped somewhere; nothing more we
			// can evict right now without scanning further, which
			// the design intentionally does not do (best-effort).
			return
		}
	}
}

// tryEvictLocked drops the cache's own residency hold on e if the page
// is clean and no other mapper holds it (PMM refcount == 1, the cache's
// own hold). A dirty page stays resident until SyncRange cleans it.
// Must be called with c.mu held.
func (c *Cache) tryEvictLocked(e *entry) bool {
	if e.dirty || c.pmm.Refcnt(e.pa) > 1 {
		return false
	}
	c.unlink(e)
	delete(c.byKey, e.key)
	delete(c.byPa, e.pa)
	c.pmm.Unpin(e.pa)
	c.pmm.Release(e.pa)
	evictLog.WithFields(map[string]interface{}{"vnode": e.key.VnodeID, "offset": e.key.Offset}).Debug("eviction: dropped cache residency hold")
	return true
}

// MakeDirty marks a resident page dirty. Any writer may call this; the
// cache is responsible for eventually flushing it via SyncRange
// (spec.md §5, "Shared-resource policy").
func (c *Cache) MakeDirty(pa mem.Pa) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byPa[pa]; ok {
		e.dirty = true
	}
}

// Evict best-effort evicts the given page from the cache. No-op if the
// page is not resident, is dirty, or is still referenced by a live
// mapping.
func (c *Cache) Evict(pa mem.Pa) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byPa[pa]; ok {
		c.tryEvictLocked(e)
	}
}

// Truncate drops every cached page for vnode at or beyond newSize,
// releasing the cache's hold on each (spec.md §6).
func (c *Cache) Truncate(v *vfscore.Vnode, newSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.byKey {
		if k.VnodeID == v.ID && k.Offset >= newSize {
			c.unlink(e)
			delete(c.byKey, k)
			delete(c.byPa, e.pa)
			c.pmm.Unpin(e.pa)
			c.pmm.Release(e.pa)
		}
	}
}

// SyncRange flushes dirty pages for vnode in [offset, offset+length)
// to the v-node's own storage via Putpage, matching spec.md §6: the
// filesystem owns the actual writeback; the cache only tracks which
// pages need it.
func (c *Cache) SyncRange(v *vfscore.Vnode, offset, length int64) error {
	end := offset + length
	c.mu.Lock()
	var dirty []*entry
	for k, e := range c.byKey {
		if k.VnodeID != v.ID {
			continue
		}
		if k.Offset < offset || k.Offset >= end {
			continue
		}
		if e.dirty {
			dirty = append(dirty, e)
		}
	}
	c.mu.Unlock()

	for _, e := range dirty {
		if err := v.Ops.Putpage(v, e.key.Offset, e.pa); err != 0 {
			return fmt.Errorf("pagecache: putpage offset %d: %w", e.key.Offset, err)
		}
		c.mu.Lock()
		e.dirty = false
		c.mu.Unlock()
	}
	return nil
}
