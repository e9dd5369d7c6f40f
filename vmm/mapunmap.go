package vmm

import (
	"context"

	"github.com/fengjixuchui/Astral/ammu"
	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/ra"
	"github.com/fengjixuchui/Astral/vfscore"
)

// MapArgs is the "extra" payload of spec.md §4.4's map(), whose
// meaning is selected by range flags: for FILE it is {vnode,
// page-aligned offset}; for PHYSICAL it is a physical base address to
// identity-map.
type MapArgs struct {
	Vnode      *vfscore.Vnode
	FileOffset int64
	PhysBase   mem.Pa
}

func roundDown(x uintptr) uintptr { return x &^ (mem.PageSize - 1) }
func roundUp(x uintptr) uintptr   { return (x + mem.PageSize - 1) &^ (mem.PageSize - 1) }

// Map implements spec.md §4.4. hint may be nil (kernel/caller chooses
// the lowest free address in ctx.Space). Returns the chosen virtual
// start address, or failure.
func (v *VMM) Map(ctx *Context, hint *uintptr, size uintptr, rflags defs.RangeFlags, mflags defs.MMUFlags, extra MapArgs) (uintptr, defs.Err_t) {
	if size == 0 {
		return 0, defs.EINVAL
	}
	size = roundUp(size)
	var roundedHint *uintptr
	if hint != nil {
		h := roundDown(*hint)
		roundedHint = &h
	}
	if (rflags.Has(defs.EXACT) || rflags.Has(defs.REPLACE)) && roundedHint == nil {
		return 0, defs.EINVAL
	}

	s := ctx.Space
	if err := s.lockBoth(context.Background()); err != nil {
		return 0, defs.EFAULT
	}
	defer s.unlockBoth()

	var addr uintptr
	if rflags.Has(defs.REPLACE) {
		addr = *roundedHint
		v.unmapSpanLocked(ctx, addr, size)
	} else if rflags.Has(defs.EXACT) {
		addr = *roundedHint
		if got := s.findRangeCovering(addr); got != nil {
			return 0, defs.EEXIST
		}
		// EXACT still requires the whole span to be free, not just its
		// start address.
		if free, ok := s.findFree(roundedHint, size); !ok || free != addr {
			return 0, defs.EEXIST
		}
	} else {
		free, ok := s.findFree(roundedHint, size)
		if !ok {
			return 0, defs.ENOMEM
		}
		addr = free
	}

	d, ok := v.RA.Alloc()
	if !ok {
		return 0, defs.ENOMEM
	}
	d.Start = addr
	d.Size = size
	d.MMUFlags = mflags
	d.RangeFlags = rflags.PermanentFlags()
	if rflags.Has(defs.FILE) {
		d.Vnode = extra.Vnode
		d.Offset = extra.FileOffset
		if d.Vnode != nil {
			d.Vnode.Hold()
		}
	}
	if rflags.Has(defs.PHYSICAL) {
		d.PhysBase = extra.PhysBase
	}

	if rflags.Has(defs.PHYSICAL) {
		if err := v.eagerMapPhysical(ctx, d); err != 0 {
			v.releaseFailedDescriptor(d)
			return 0, err
		}
	} else if rflags.Has(defs.ALLOCATE) {
		if err := v.eagerMapAllocate(ctx, d); err != 0 {
			v.releaseFailedDescriptor(d)
			return 0, err
		}
	}

	s.insertRange(v.RA, d)
	return addr, 0
}

// releaseFailedDescriptor undoes a descriptor that failed eager
// installation before it was ever inserted into the list: drop any
// v-node hold it took and return it to the range-descriptor allocator.
func (v *VMM) releaseFailedDescriptor(d *ra.Descriptor) {
	if d.RangeFlags.Has(defs.FILE) && d.Vnode != nil {
		d.Vnode.Release(nil)
	}
	v.RA.Free(d)
}

// eagerMapPhysical installs mappings phys+i -> addr+i for a PHYSICAL
// range. Any single failure rolls the already-installed entries back
// one at a time, in reverse installation order (spec.md §12's
// supplement of the original's rollback behavior).
func (v *VMM) eagerMapPhysical(ctx *Context, d *ra.Descriptor) defs.Err_t {
	installed := uintptr(0)
	for off := uintptr(0); off < d.Size; off += mem.PageSize {
		if !ammu.Map(ctx.Table, d.PhysBase+mem.Pa(off), d.Start+off, d.MMUFlags) {
			for back := installed; back > 0; back -= mem.PageSize {
				ammu.Unmap(ctx.Table, d.Start+back-mem.PageSize)
			}
			return defs.ENOMEM
		}
		installed += mem.PageSize
	}
	return 0
}

// eagerMapAllocate allocates one fresh physical page per virtual page,
// zeroes it through the kernel's direct map, and installs the
// mapping, rolling back on any failure.
func (v *VMM) eagerMapAllocate(ctx *Context, d *ra.Descriptor) defs.Err_t {
	type installedPage struct {
		va uintptr
		pa mem.Pa
	}
	var done []installedPage
	rollback := func() {
		for _, ip := range done {
			ammu.Unmap(ctx.Table, ip.va)
			v.PMM.Release(ip.pa)
		}
	}
	for off := uintptr(0); off < d.Size; off += mem.PageSize {
		pa, ok := v.PMM.AllocPage()
		if !ok {
			rollback()
			return defs.ENOMEM
		}
		v.PMM.Zero(pa)
		va := d.Start + off
		if !ammu.Map(ctx.Table, pa, va, d.MMUFlags) {
			v.PMM.Release(pa)
			rollback()
			return defs.ENOMEM
		}
		done = append(done, installedPage{va: va, pa: pa})
	}
	return 0
}

// Unmap implements spec.md §4.4: acquire pflock then lock, call
// unmap-span, release both. Idempotent over already-free regions.
func (v *VMM) Unmap(ctx *Context, addr, size uintptr) defs.Err_t {
	if size == 0 {
		return defs.EINVAL
	}
	addr = roundDown(addr)
	size = roundUp(size)

	s := ctx.Space
	if err := s.lockBoth(context.Background()); err != nil {
		return defs.EFAULT
	}
	defer s.unlockBoth()
	v.unmapSpanLocked(ctx, addr, size)
	return 0
}
