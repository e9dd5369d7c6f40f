// Package mem implements the physical page allocator (PMM), §4's "owns
// every page frame" component. It is grounded on biscuit's
// mem.Physmem_t/Physpg_t (a flat array of page descriptors indexed by
// page number, refcounted with atomic ops, with a free-list threaded
// through the descriptors themselves) and its Dmap direct-map accessor.
//
// Unlike the teacher, which backs real physical RAM discovered at boot,
// this rewrite backs its frames with a real anonymous mmap arena
// (golang.org/x/sys/unix) so phys_of/page_for/Dmap operate on genuine,
// stable addresses rather than Go heap pointers a GC could move.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fengjixuchui/Astral/kernlog"
)

// PageSize is the page size in bytes, checked against the host's real
// page size when the allocator boots (§3 requires every size/offset be
// page-aligned; keeping PageSize in lock-step with the host avoids a
// silent mismatch when the backing arena is mmap'd).
const PageSize = 4096

// Flag bits on a page descriptor, see spec.md §3.
const (
	FlagPinned uint32 = 1 << iota
)

// Pa is a physical address: an offset into the PMM's backing arena.
type Pa uintptr

// page is the per-frame record owned by the PMM: reference count, flag
// bits, and its own physical address. Reference count is the number of
// distinct virtual mappings plus explicit holds (spec.md §3).
type page struct {
	refcnt int32
	flags  uint32
	phys   Pa
}

// PMM owns every page frame backing this kernel instance. A frame is
// free when its refcount falls to zero; the PMM then recycles it.
type PMM struct {
	mu     sync.Mutex
	arena  []byte
	pages  []page
	free   []uint32 // stack of free page indices
	npages uint32

	zeroPa Pa // the single immutable zero-filled frame, §4.3/§9
}

// New creates a PMM backed by a real anonymous mapping of the given
// size (rounded down to a whole number of pages). sizeBytes is normally
// sourced from bootcfg at kernel init.
func New(sizeBytes int) (*PMM, error) {
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("mem: non-positive arena size %d", sizeBytes)
	}
	if hp := unix.Getpagesize(); hp != 0 && PageSize%hp != 0 && hp%PageSize != 0 {
		kernlog.Get().WithField("host_pagesize", hp).
			Warn("mem: host page size does not divide kernel page size")
	}
	npages := sizeBytes / PageSize
	if npages < 2 {
		return nil, fmt.Errorf("mem: arena too small for %d pages", npages)
	}
	arena, err := unix.Mmap(-1, 0, npages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap arena: %w", err)
	}
	p := &PMM{
		arena:  arena,
		pages:  make([]page, npages),
		free:   make([]uint32, 0, npages),
		npages: uint32(npages),
	}
	for i := uint32(0); i < p.npages; i++ {
		p.pages[i].phys = Pa(i) * Pa(PageSize)
		p.free = append(p.free, p.npages-1-i) // so pop order is ascending
	}
	// Carve out the zero page: allocate it like any other frame, zero
	// it (mmap already zeros anonymous memory, but be explicit), and
	// never release the frame it occupies back to the free list.
	zp, ok := p.AllocPage()
	if !ok {
		unix.Munmap(arena)
		return nil, fmt.Errorf("mem: failed to reserve zero page")
	}
	for i := range p.Direct(zp) {
		p.Direct(zp)[i] = 0
	}
	p.zeroPa = zp
	return p, nil
}

// ZeroPage returns the physical address of the single immutable,
// zero-filled frame reused to satisfy reads from anonymous ranges
// (spec.md §4.3, §9). It is never written through any mapping (P7).
func (p *PMM) ZeroPage() Pa { return p.zeroPa }

func (p *PMM) idx(pa Pa) uint32 { return uint32(pa / PageSize) }

// AllocPage allocates a fresh frame with refcount 1. Returns (0, false)
// if the PMM has no free frames (resource exhaustion, §7).
func (p *PMM) AllocPage() (Pa, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.pages[i].refcnt = 1
	p.pages[i].flags = 0
	return p.pages[i].phys, true
}

// Hold increments a frame's reference count (an additional mapper or
// an explicit pin, e.g. a page held by the page cache).
func (p *PMM) Hold(pa Pa) {
	i := p.idx(pa)
	c := atomic.AddInt32(&p.pages[i].refcnt, 1)
	if c <= 1 {
		panic("mem: Hold on a dead page")
	}
}

// Release decrements a frame's reference count; at zero the frame is
// recycled onto the free list. Returns true if the frame was freed.
func (p *PMM) Release(pa Pa) bool {
	i := p.idx(pa)
	c := atomic.AddInt32(&p.pages[i].refcnt, -1)
	if c < 0 {
		panic("mem: refcount underflow")
	}
	if c != 0 {
		return false
	}
	p.mu.Lock()
	p.free = append(p.free, i)
	p.mu.Unlock()
	return true
}

// Refcnt returns the current reference count of a frame.
func (p *PMM) Refcnt(pa Pa) int {
	return int(atomic.LoadInt32(&p.pages[p.idx(pa)].refcnt))
}

// Pin/Unpin manage the PINNED bit named in spec.md §3 (e.g. a page held
// by the page cache against eviction). They do not affect refcount.
func (p *PMM) Pin(pa Pa) {
	i := p.idx(pa)
	for {
		old := atomic.LoadUint32(&p.pages[i].flags)
		if atomic.CompareAndSwapUint32(&p.pages[i].flags, old, old|FlagPinned) {
			return
		}
	}
}

func (p *PMM) Unpin(pa Pa) {
	i := p.idx(pa)
	for {
		old := atomic.LoadUint32(&p.pages[i].flags)
		if atomic.CompareAndSwapUint32(&p.pages[i].flags, old, old&^FlagPinned) {
			return
		}
	}
}

func (p *PMM) Pinned(pa Pa) bool {
	return atomic.LoadUint32(&p.pages[p.idx(pa)].flags)&FlagPinned != 0
}

// Direct returns the kernel direct-map slice backing a frame: exactly
// PageSize bytes at the given physical address. Analogous to
// biscuit's mem.Physmem.Dmap.
func (p *PMM) Direct(pa Pa) []byte {
	i := uintptr(pa)
	return p.arena[i : i+PageSize]
}

// Zero zeroes a frame through the direct map; used by the ALLOCATE
// eager path in vmm.Map (spec.md §4.4, §12).
func (p *PMM) Zero(pa Pa) {
	d := p.Direct(pa)
	for i := range d {
		d[i] = 0
	}
}

// NPages reports the PMM's total frame count.
func (p *PMM) NPages() int { return int(p.npages) }

// Close releases the backing arena. Only meant for test/demo teardown;
// a real kernel never tears its PMM down.
func (p *PMM) Close() error {
	return unix.Munmap(p.arena)
}
