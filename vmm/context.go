package vmm

import (
	"context"

	"github.com/fengjixuchui/Astral/ammu"
	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/ra"
)

// newTable wraps ammu.NewTable; a free function rather than a method
// so VMM.Init can call it before a Context exists.
func newTable() (*ammu.Table, bool) {
	return ammu.NewTable()
}

// NewContext creates a fresh, empty user context spanning [start, end)
// with its own address space and MMU table (spec.md §4.5's "New").
func (v *VMM) NewContext(start, end uintptr, cpu int) (*Context, bool) {
	table, ok := newTable()
	if !ok {
		return nil, false
	}
	return &Context{Space: NewSpace(start, end), Table: table, CPU: cpu}, true
}

// Destroy tears down every range in ctx (releasing v-node holds and
// physical pages as unmap-span does) and frees the MMU table (spec.md
// §4.5's "Destroy"). Used both for ordinary context teardown and to
// roll back a context left partially built by a failed Fork.
func (v *VMM) Destroy(ctx *Context) {
	s := ctx.Space
	if err := s.lockBoth(context.Background()); err == nil {
		v.unmapSpanLocked(ctx, s.Start, s.End-s.Start)
		s.unlockBoth()
	}
	ammu.DestroyTable(ctx.Table)
}

// SwitchTo loads ctx's MMU table as the active table on its CPU
// (spec.md §4.5's "Switch").
func (v *VMM) SwitchTo(ctx *Context) {
	ammu.Switch(ctx.CPU, ctx.Table)
}

// Fork duplicates parent into a new child context following spec.md
// §4.5's copy-on-write algorithm: every range descriptor is
// duplicated (with a second v-node hold where FILE is set); every
// PMM-backed present page gains an extra hold and is mapped
// non-writable into the child; the parent's own mapping of that page
// is downgraded to non-writable in lockstep, so a subsequent write on
// either side faults into the resolver's COW branch. PHYSICAL ranges
// (device memory) are mapped identically into the child rather than
// copied or protected, since they are not PMM-accounted pages.
//
// On any failure partway through (range-descriptor or physical-page
// exhaustion), the partially built child is torn down via Destroy and
// Fork reports failure; the parent is left as it was found only up to
// whichever pages were already downgraded, matching the teacher's
// Proc_fork rollback shape of "best effort, caller kills the child".
func (v *VMM) Fork(parent *Context, cpu int) (*Context, bool) {
	child, ok := v.NewContext(parent.Space.Start, parent.Space.End, cpu)
	if !ok {
		return nil, false
	}

	ps := parent.Space
	if err := ps.lockBoth(context.Background()); err != nil {
		v.Destroy(child)
		return nil, false
	}
	defer ps.unlockBoth()

	for d := ps.head; d != nil; d = d.Next {
		cd, ok := v.RA.Alloc()
		if !ok {
			v.Destroy(child)
			return nil, false
		}
		cd.Start = d.Start
		cd.Size = d.Size
		cd.MMUFlags = d.MMUFlags
		cd.RangeFlags = d.RangeFlags
		cd.Offset = d.Offset
		cd.PhysBase = d.PhysBase
		cd.Vnode = d.Vnode
		if d.RangeFlags.Has(defs.FILE) && d.Vnode != nil {
			d.Vnode.Hold()
		}

		if d.RangeFlags.Has(defs.PHYSICAL) {
			for off := uintptr(0); off < d.Size; off += mem.PageSize {
				va := d.Start + off
				if pa, ok := ammu.Translate(parent.Table, va); ok {
					ammu.Map(child.Table, pa, va, d.MMUFlags)
				}
			}
		} else {
			if !v.forkCopyPages(parent, child, d) {
				v.releaseFailedDescriptor(cd)
				v.Destroy(child)
				return nil, false
			}
		}

		child.Space.insertRange(v.RA, cd)
	}

	return child, true
}

// forkCopyPages implements the per-page half of Fork for an ordinary
// (non-PHYSICAL) range: every present page gets one extra PMM hold and
// is mapped read-only into the child; the parent's mapping of that
// same page is downgraded to read-only in lockstep.
func (v *VMM) forkCopyPages(parent, child *Context, d *ra.Descriptor) bool {
	roFlags := d.MMUFlags &^ defs.MMUWrite
	for off := uintptr(0); off < d.Size; off += mem.PageSize {
		va := d.Start + off
		pa, ok := ammu.Translate(parent.Table, va)
		if !ok {
			continue
		}
		v.PMM.Hold(pa)
		if !ammu.Map(child.Table, pa, va, roFlags) {
			v.PMM.Release(pa)
			return false
		}
		if d.MMUFlags.Has(defs.MMUWrite) {
			ammu.Remap(parent.Table, pa, va, roFlags)
		}
	}
	return true
}
