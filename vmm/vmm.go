package vmm

import (
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/pagecache"
	"github.com/fengjixuchui/Astral/ra"
)

// VMM bundles the leaf components the address-space manager consumes
// (spec.md §2): the physical page allocator, the range-descriptor
// allocator, and the page cache. It also owns the process-wide global
// state spec.md §9 calls out explicitly: the kernel address space, the
// zero-page handle (held inside PMM), and the range-slab list head
// (held inside RA).
type VMM struct {
	PMM *mem.PMM
	RA  *ra.Allocator
	PC  *pagecache.Cache

	UserStart, UserEnd uintptr

	// Kernel is the process-wide kernel context, always resident
	// (spec.md §3: "The kernel address space is a process-wide
	// singleton").
	Kernel *Context
}

// Init boots a VMM instance: creates the kernel context spanning
// [kernelStart, kernelEnd) and wires the PMM/RA/PC it will use.
func Init(pmm *mem.PMM, alloc *ra.Allocator, pc *pagecache.Cache, userStart, userEnd, kernelStart, kernelEnd uintptr) (*VMM, bool) {
	v := &VMM{PMM: pmm, RA: alloc, PC: pc, UserStart: userStart, UserEnd: userEnd}
	table, ok := newTable()
	if !ok {
		return nil, false
	}
	v.Kernel = &Context{Space: NewSpace(kernelStart, kernelEnd), Table: table}
	return v, true
}

// inUserRange reports whether addr falls in this VMM's user portion.
func (v *VMM) inUserRange(addr uintptr) bool {
	return addr >= v.UserStart && addr < v.UserEnd
}
