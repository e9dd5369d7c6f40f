// Package vmm is the address-space manager named in spec.md §4
// component 6, the subject of this specification. It owns a per-context
// space containing an ordered list of ranges and the MMU table handle,
// and consumes the PMM, AMMU, RA, VFS-core and page-cache packages.
//
// Grounded throughout on biscuit's vm package: Vm_t (here, Context),
// its Lock_pmap/Unlock_pmap pair (here, Space's pflock), Vmregion_t
// (here, the intrusive Prev/Next range list on ra.Descriptor),
// Sys_pgfault (here, Fault), and Vmadd_anon/Vmadd_file/Vmadd_sharefile
// (here, generalized into one Map entry point driven by RangeFlags).
package vmm

import (
	"context"

	"github.com/fengjixuchui/Astral/ammu"
	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/kmutex"
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/ra"
)

// Space is the address-space manager's per-context state: one
// contiguous virtual address range [Start, End) (the kernel and each
// user context have their own Space), owning an ordered, sorted,
// non-overlapping list of ranges
// and a pair of mutexes (spec.md §3).
type Space struct {
	Start, End uintptr

	// lock protects the range list and all its manipulations.
	lock *kmutex.Mutex

	// pflock is ordered outside lock (pflock -> lock) and is held
	// across operations that must be atomic with respect to fault
	// handling, notably unmap (spec.md §3).
	pflock *kmutex.Mutex

	head *ra.Descriptor
}

// NewSpace creates an empty address space spanning [start, end).
func NewSpace(start, end uintptr) *Space {
	return &Space{
		Start:  start,
		End:    end,
		lock:   kmutex.New(),
		pflock: kmutex.New(),
	}
}

// Context is a VMM context: an address space plus an AMMU table
// handle (spec.md §3). Each user process owns its own context; the
// kernel owns one always-resident kernel context.
type Context struct {
	Space *Space
	Table *ammu.Table
	CPU   int
}

// lockBoth acquires pflock then lock, the global ordering spec.md §5
// requires on every path that must be atomic with respect to fault
// handling (fault resolution itself, and unmap).
func (s *Space) lockBoth(ctx context.Context) error {
	if err := s.pflock.LockCtx(ctx); err != nil {
		return err
	}
	s.lock.Lock()
	return nil
}

func (s *Space) unlockBoth() {
	s.lock.Unlock()
	s.pflock.Unlock()
}

// --- range-list primitives (spec.md §4.2), private to vmm; callers
// must hold s.lock. ---

// findRangeCovering returns the range containing addr, or nil.
func (s *Space) findRangeCovering(addr uintptr) *ra.Descriptor {
	for d := s.head; d != nil; d = d.Next {
		if addr >= d.Start && addr < d.Start+d.Size {
			return d
		}
	}
	return nil
}

// findFree returns the lowest virtual address >= hint (or >= s.Start
// if hint is nil) such that [addr, addr+size) overlaps no range and
// lies within [s.Start, s.End), or (0, false).
//
// The teacher's getfreerange analogue allows an address below
// s.Start to be chosen when the first range starts exactly at
// s.Start; spec.md §9 flags this as a likely bug in the original and
// directs implementations to clamp the lower bound, which this
// function does.
func (s *Space) findFree(hint *uintptr, size uintptr) (uintptr, bool) {
	lo := s.Start
	if hint != nil && *hint > lo {
		lo = *hint
	}
	cur := lo
	for d := s.head; d != nil; d = d.Next {
		if cur+size <= d.Start {
			return cur, true
		}
		if d.Start+d.Size > cur {
			cur = d.Start + d.Size
		}
	}
	if cur+size <= s.End {
		return cur, true
	}
	return 0, false
}

// coalescable reports whether two adjacent ranges A (ending where B
// begins) satisfy the negation of invariant I2: same range-flag set,
// same MMU-flag set, same v-node identity, and contiguous file offset.
func coalescable(a, b *ra.Descriptor) bool {
	if a.Start+a.Size != b.Start {
		return false
	}
	if a.RangeFlags != b.RangeFlags || a.MMUFlags != b.MMUFlags {
		return false
	}
	if a.Vnode != b.Vnode {
		return false
	}
	if a.RangeFlags.Has(defs.FILE) && a.Offset+int64(a.Size) != b.Offset {
		return false
	}
	return true
}

// insertRange inserts d into the list at its sorted position and then
// attempts to coalesce with the immediate successor and predecessor,
// in that order (spec.md §4.2). Coalescing a range with FILE set
// releases the absorbed descriptor's v-node reference (I4).
func (s *Space) insertRange(alloc *ra.Allocator, d *ra.Descriptor) {
	var prev *ra.Descriptor
	cur := s.head
	for cur != nil && cur.Start < d.Start {
		prev = cur
		cur = cur.Next
	}
	d.Prev, d.Next = prev, cur
	if prev != nil {
		prev.Next = d
	} else {
		s.head = d
	}
	if cur != nil {
		cur.Prev = d
	}

	// Coalesce with successor first, then predecessor, exactly as
	// spec.md §4.2 orders it.
	if d.Next != nil && coalescable(d, d.Next) {
		s.mergeInto(alloc, d, d.Next)
	}
	if d.Prev != nil && coalescable(d.Prev, d) {
		s.mergeInto(alloc, d.Prev, d)
	}
}

// mergeInto absorbs right into left (left.Size grows to cover right's
// span) and frees right's descriptor, releasing one v-node hold if
// FILE is set (I4: coalescing releases one hold).
func (s *Space) mergeInto(alloc *ra.Allocator, left, right *ra.Descriptor) {
	left.Size += right.Size
	left.Next = right.Next
	if right.Next != nil {
		right.Next.Prev = left
	}
	if right.Vnode != nil {
		right.Vnode.Release(nil)
	}
	right.Prev, right.Next = nil, nil
	alloc.Free(right)
}

// detach unlinks d from the list without freeing it or touching its
// v-node hold; the caller decides what to do with both.
func (s *Space) detach(d *ra.Descriptor) {
	if d.Prev != nil {
		d.Prev.Next = d.Next
	} else {
		s.head = d.Next
	}
	if d.Next != nil {
		d.Next.Prev = d.Prev
	}
	d.Prev, d.Next = nil, nil
}

// pageRound rounds addr down to the enclosing page and returns it;
// vmm operates exclusively on page-aligned addresses (I3).
func pageRound(addr uintptr) uintptr {
	return addr &^ (mem.PageSize - 1)
}
