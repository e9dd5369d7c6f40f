package vmm

import (
	"github.com/fengjixuchui/Astral/ammu"
	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/kernlog"
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/ra"
	"github.com/fengjixuchui/Astral/vfscore"
)

var unmapLog = kernlog.Subsystem("vmm.unmap")

// teardownPage undoes the hardware mapping at va within range r,
// implementing spec.md §4.2's "Teardown of a page within a range".
// Caller must hold ctx.Space.pflock and ctx.Space.lock.
func (v *VMM) teardownPage(ctx *Context, r *ra.Descriptor, va uintptr) {
	pa, ok := ammu.Translate(ctx.Table, va)
	if !ok {
		return
	}

	shared := r.RangeFlags.Has(defs.FILE) && r.RangeFlags.Has(defs.SHARED)
	if shared && r.Vnode != nil && r.Vnode.IsCharDevice() {
		flags := vfscore.MmapShared
		if ammu.IsWritable(ctx.Table, va) {
			flags |= vfscore.MmapWrite
		}
		r.Vnode.Ops.Munmap(r.Vnode, va, flags)
		return
	}
	if shared {
		// Dirtiness for shared file mappings is tracked solely through
		// PC.MakeDirty at fault-upgrade time (vmm/fault.go), not the
		// AMMU hardware dirty bit, so there is nothing further to mark
		// dirty here on teardown.
		ammu.Unmap(ctx.Table, va)
		v.PMM.Release(pa)
		return
	}

	// Anonymous, private file, or physical (device-memory) mapping.
	ammu.Unmap(ctx.Table, va)
	if !r.RangeFlags.Has(defs.PHYSICAL) {
		v.PMM.Release(pa)
	}
}

// teardownSpan tears down every page in [lo, hi) within range r.
func (v *VMM) teardownSpan(ctx *Context, r *ra.Descriptor, lo, hi uintptr) {
	for va := lo; va < hi; va += mem.PageSize {
		v.teardownPage(ctx, r, va)
	}
}

// unmapSpanLocked implements spec.md §4.2's unmap-span primitive.
// Caller must hold ctx.Space.pflock and ctx.Space.lock.
func (v *VMM) unmapSpanLocked(ctx *Context, addr, size uintptr) {
	s := ctx.Space
	us, ue := addr, addr+size

	d := s.head
	for d != nil {
		next := d.Next // d may be detached/resized below
		rs, re := d.Start, d.Start+d.Size

		switch {
		case rs >= us && re <= ue:
			// Fully contained: detach, tear down every page, free.
			unmapLog.WithFields(map[string]interface{}{"start": rs, "end": re}).Debug("teardown: range fully contained")
			v.teardownSpan(ctx, d, rs, re)
			s.detach(d)
			if d.RangeFlags.Has(defs.FILE) && d.Vnode != nil {
				d.Vnode.Release(nil)
			}
			d.Prev, d.Next = nil, nil
			v.RA.Free(d)

		case rs < us && re > ue:
			// Strict interior cut: split into left/right, tear down
			// the hole, adjust offsets. The split-right file offset is
			// old.offset + (hole_end - old.start), per spec.md §9's
			// resolution of the original's suspect arithmetic here.
			unmapLog.WithFields(map[string]interface{}{"hole_start": us, "hole_end": ue}).Debug("teardown: interior cut splits range")
			v.teardownSpan(ctx, d, us, ue)
			right, ok := v.RA.Alloc()
			if !ok {
				panic("vmm: out of range descriptors during unmap split")
			}
			right.Start = ue
			right.Size = re - ue
			right.MMUFlags = d.MMUFlags
			right.RangeFlags = d.RangeFlags
			right.Vnode = d.Vnode
			right.PhysBase = d.PhysBase
			if d.RangeFlags.Has(defs.FILE) {
				right.Offset = d.Offset + int64(ue-rs)
				if d.Vnode != nil {
					d.Vnode.Hold() // range count rose by one (I4)
				}
			}
			d.Size = us - rs
			right.Prev, right.Next = d, d.Next
			if d.Next != nil {
				d.Next.Prev = right
			}
			d.Next = right

		case rs >= us && rs < ue && re > ue:
			// Overlap at range start: shrink start forward.
			unmapLog.WithFields(map[string]interface{}{"start": rs, "end": re}).Debug("teardown: overlap at range start")
			v.teardownSpan(ctx, d, rs, ue)
			if d.RangeFlags.Has(defs.FILE) {
				d.Offset += int64(ue - rs)
			}
			d.Start = ue
			d.Size = re - ue

		case rs < us && re > us && re <= ue:
			// Overlap at range end: shrink size down.
			unmapLog.WithFields(map[string]interface{}{"start": rs, "end": re}).Debug("teardown: overlap at range end")
			v.teardownSpan(ctx, d, us, re)
			d.Size = us - rs

		default:
			// No intersection.
		}
		d = next
	}
}
