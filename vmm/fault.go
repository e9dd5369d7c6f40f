package vmm

import (
	"context"

	"github.com/fengjixuchui/Astral/ammu"
	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/kernlog"
	"github.com/fengjixuchui/Astral/ra"
	"github.com/fengjixuchui/Astral/vfscore"
)

var faultLog = kernlog.Subsystem("vmm.fault")

// Fault implements spec.md §4.3: the page-fault resolver. addr is the
// faulting virtual address, userMode reports whether the access
// happened at user privilege, and attempted names the access kinds
// being attempted. It returns success (the faulting instruction may be
// retried) or a signal describing why the fault could not be
// resolved.
func (v *VMM) Fault(ctx *Context, addr uintptr, userMode bool, attempted defs.AccessKind) defs.SigFault {
	// 1. Address filter.
	inUser := v.inUserRange(addr)
	if userMode && !inUser {
		return defs.SigSegv
	}
	if !userMode && inUser {
		return defs.SigSegv
	}

	s := ctx.Space

	// 2. Lock, then align down to a page boundary.
	if err := s.lockBoth(context.Background()); err != nil {
		return defs.SigSegv
	}
	defer s.unlockBoth()
	addr = pageRound(addr)

	// 3. Range lookup.
	r := s.findRangeCovering(addr)
	if r == nil {
		return defs.SigSegv
	}

	// 4. Permission check.
	if !r.MMUFlags.AllowsAccess(attempted) {
		return defs.SigSegv
	}

	// 5. State machine over AMMU.
	if !ammu.IsPresent(ctx.Table, addr) {
		return v.faultNotPresent(ctx, r, addr)
	}

	if attempted.Has(defs.AccessWrite) && !ammu.IsWritable(ctx.Table, addr) {
		return v.faultWriteToReadOnly(ctx, r, addr)
	}

	// Present and the attempt is already permitted: another thread
	// resolved the fault first.
	return defs.SigNone
}

// faultNotPresent handles the "not present" branch of the state
// machine: install a mapping for a range that has no hardware entry
// at addr yet.
func (v *VMM) faultNotPresent(ctx *Context, r *ra.Descriptor, addr uintptr) defs.SigFault {
	if r.RangeFlags.Has(defs.FILE) {
		if r.Vnode != nil && r.Vnode.IsCharDevice() {
			var flags vfscore.MmapFlags
			if r.RangeFlags.Has(defs.SHARED) {
				flags |= vfscore.MmapShared
			}
			if r.MMUFlags.Has(defs.MMUWrite) {
				flags |= vfscore.MmapWrite
			}
			if err := r.Vnode.Ops.Mmap(r.Vnode, addr, flags); err != 0 {
				return defs.SigSegv
			}
			return defs.SigNone
		}

		offset := r.Offset + int64(addr-r.Start)
		pa, err := v.PC.GetPage(r.Vnode, offset)
		if err == defs.ENOENT {
			return defs.SigBus
		}
		if err != 0 {
			return defs.SigSegv
		}
		installFlags := r.MMUFlags &^ defs.MMUWrite
		if !ammu.Map(ctx.Table, pa, addr, installFlags) {
			v.PMM.Release(pa)
			return defs.SigSegv
		}
		faultLog.WithFields(map[string]interface{}{"addr": addr, "offset": offset}).Debug("page-in: installed file-backed page read-only")
		return defs.SigNone
	}

	// Anonymous range: map the shared zero page, read-only, bumping its
	// refcount so the future COW step's release never frees it.
	zpa := v.PMM.ZeroPage()
	v.PMM.Hold(zpa)
	installFlags := r.MMUFlags &^ defs.MMUWrite
	if !ammu.Map(ctx.Table, zpa, addr, installFlags) {
		v.PMM.Release(zpa)
		return defs.SigSegv
	}
	faultLog.WithField("addr", addr).Debug("page-in: installed zero page read-only")
	return defs.SigNone
}

// faultWriteToReadOnly handles "present but not writable, and WRITE
// attempted": either an in-place upgrade for a shared file mapping, or
// copy-on-write for everything else.
func (v *VMM) faultWriteToReadOnly(ctx *Context, r *ra.Descriptor, addr uintptr) defs.SigFault {
	pa, ok := ammu.Translate(ctx.Table, addr)
	if !ok {
		return defs.SigSegv
	}

	if r.RangeFlags.Has(defs.FILE) && r.RangeFlags.Has(defs.SHARED) {
		ammu.Remap(ctx.Table, pa, addr, r.MMUFlags)
		if r.Vnode == nil || !r.Vnode.IsCharDevice() {
			v.PC.MakeDirty(pa)
		}
		faultLog.WithField("addr", addr).Debug("cow: upgraded shared file mapping in place")
		return defs.SigNone
	}

	// Copy-on-write: anonymous private or private file mapping.
	newPa, allocated := v.PMM.AllocPage()
	if !allocated {
		return defs.SigSegv
	}
	copy(v.PMM.Direct(newPa), v.PMM.Direct(pa))
	ammu.Remap(ctx.Table, newPa, addr, r.MMUFlags)
	if !(r.RangeFlags.Has(defs.FILE) && r.Vnode != nil && r.Vnode.IsCharDevice()) {
		v.PMM.Release(pa)
	}
	faultLog.WithField("addr", addr).Debug("cow: copied onto a new private page")
	return defs.SigNone
}
