// Package ra is the range allocator (RA), spec.md §4 component 3 and
// §4.1: a slab-like allocator of range descriptors backed by whole
// physical pages. Each slab page holds a header (free count,
// first-free hint, next-slab pointer, a mutex) followed by a
// fixed-size descriptor array.
//
// There is no single teacher file for this exact shape — biscuit
// allocates Vminfo_t with the Go heap allocator directly — so this
// package is grounded on the nearby slab/free-list pattern biscuit
// itself uses for physical pages (mem.Physmem_t's Pgs array threaded
// through a free list, mem/mem.go) generalized to descriptors instead
// of frames, plus the spec's own §4.1 algorithm description.
package ra

import (
	"sync"

	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/vfscore"
)

// descriptorsPerSlab is chosen so a slab's descriptor array models
// "backed by a whole physical page": mem.PageSize bytes divided by an
// approximate descriptor size.
const descriptorsPerSlab = mem.PageSize / 64

// Descriptor is the range descriptor named in spec.md §3: start
// virtual address (page-aligned), size in bytes (a multiple of the
// page size), MMU flag set, range flag set, optional v-node pointer
// and file offset (page-aligned), and intrusive previous/next pointers
// in the owning space's ordered list.
type Descriptor struct {
	Start uintptr
	Size  uintptr

	MMUFlags   defs.MMUFlags
	RangeFlags defs.RangeFlags

	Vnode  *vfscore.Vnode
	Offset int64 // page-aligned file offset, meaningful only if FILE is set

	// PhysBase is the physical base address to identity-map, meaningful
	// only if PHYSICAL is set (spec.md §3's "extra" for PHYSICAL
	// ranges).
	PhysBase mem.Pa

	Prev, Next *Descriptor

	slab *slab
	slot int
	used bool // true from the moment tryAlloc hands this slot out until Free clears it
}

type slab struct {
	mu        sync.Mutex
	free      int
	firstFree int
	next      *slab
	backing   mem.Pa // a physical page reserved purely to account for
	// "backed by whole physical pages" per spec.md §4.1
	descs [descriptorsPerSlab]Descriptor
}

// Allocator allocates and frees Descriptor values from whole-page
// slabs obtained from a mem.PMM.
type Allocator struct {
	pmm *mem.PMM

	mu    sync.Mutex // protects the slab list head/tail pointers only
	first *slab
	last  *slab
}

// New creates an empty range allocator backed by pmm. The first slab
// is allocated lazily on the first Alloc call.
func New(pmm *mem.PMM) *Allocator {
	return &Allocator{pmm: pmm}
}

func (a *Allocator) newSlab() (*slab, bool) {
	pa, ok := a.pmm.AllocPage()
	if !ok {
		return nil, false
	}
	s := &slab{free: descriptorsPerSlab, backing: pa}
	return s, true
}

// Alloc returns a descriptor not currently linked in any address
// space, or fails if the PMM cannot provide a new slab (spec.md §4.1's
// contract).
func (a *Allocator) Alloc() (*Descriptor, bool) {
	a.mu.Lock()
	if a.first == nil {
		s, ok := a.newSlab()
		if !ok {
			a.mu.Unlock()
			return nil, false
		}
		a.first, a.last = s, s
	}
	a.mu.Unlock()

	for s := a.first; ; s = s.next {
		if d, ok := s.tryAlloc(); ok {
			return d, true
		}
		if s.next == nil {
			ns, ok := a.newSlab()
			if !ok {
				return nil, false
			}
			a.mu.Lock()
			s.mu.Lock()
			s.next = ns
			s.mu.Unlock()
			a.last = ns
			a.mu.Unlock()
		}
	}
}

// tryAlloc locks this slab and, if it has free space, takes the
// first-free hint slot — linearly searching forward to find the first
// slot not marked used — marks it used, and returns it.
//
// The used flag (not Size == 0) is the sole free/in-use sentinel: it is
// set here and cleared by Free, both while holding s.mu, so a slot
// handed out by tryAlloc can never look free to a concurrent Alloc
// again before a matching Free — even though the caller populates Size
// and the rest of the descriptor's fields after this function returns,
// outside the lock.
func (s *slab) tryAlloc() (*Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free == 0 {
		return nil, false
	}
	for i := s.firstFree; i < descriptorsPerSlab; i++ {
		if !s.descs[i].used {
			s.descs[i].slab = s
			s.descs[i].slot = i
			s.descs[i].used = true
			s.free--
			s.firstFree = i + 1
			return &s.descs[i], true
		}
	}
	return nil, false
}

// Free clears the descriptor's used flag and fields, bumps the slab's
// free count, and repoints the first-free hint downward if needed. The
// descriptor must be unlinked (Prev == Next == nil) before calling
// Free. The used flag is cleared under the same slab lock tryAlloc
// scans under, so a slot is never visible as free until Free actually
// releases it here.
func (a *Allocator) Free(d *Descriptor) {
	if d.Prev != nil || d.Next != nil {
		panic("ra: Free on a linked descriptor")
	}
	s := d.slab
	slot := d.slot
	s.mu.Lock()
	defer s.mu.Unlock()
	d.used = false
	d.Size = 0
	d.Start = 0
	d.Vnode = nil
	d.RangeFlags = 0
	d.MMUFlags = 0
	s.free++
	if slot < s.firstFree {
		s.firstFree = slot
	}
}
