// Package ammu is the architecture MMU wrapper named in spec.md §4,
// component 2: a per-address-space page table abstraction. The VMM
// never touches hardware bits directly; it always goes through this
// package (spec.md §3, "MMU entry (owned by AMMU)").
//
// The teacher's equivalent (biscuit/src/mem's Pmap_t plus the
// pmap_walk/pmap_lookup helpers referenced from vm/as.go) walks a real
// x86-64 four-level page table held in physical memory. Architecture
// paging tables are out of this spec's scope (§1 lists the APIC/HPET
// and boot handoff as external collaborators); this package keeps the
// exact contract named in spec.md §6 but backs it with an in-process
// table keyed by virtual address, which is the architecture-neutral
// representation the design notes (spec.md §9) say is an equally valid
// choice ("pick whichever the implementation language makes safer").
package ammu

import (
	"sync"

	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/mem"
)

// Entry mirrors spec.md §3's "MMU entry": present, writable,
// user/kernel, no-execute, dirty, and physical address.
type Entry struct {
	Present bool
	Phys    mem.Pa
	Flags   defs.MMUFlags
}

// Table is a per-address-space page table handle.
type Table struct {
	mu      sync.Mutex
	entries map[uintptr]Entry
}

// NewTable creates an empty page table, analogous to biscuit's
// mem.Physmem.Pmap_new.
func NewTable() (*Table, bool) {
	return &Table{entries: make(map[uintptr]Entry)}, true
}

// DestroyTable releases a table's bookkeeping. The caller is
// responsible for having already torn down every mapping (vmm's
// context.Destroy does this via unmap-span before calling
// DestroyTable), matching the teacher's Uvmfree-then-Dec_pmap order.
func DestroyTable(t *Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// Map installs phys at virt with flags. Returns false if virt is
// already mapped (the caller must Unmap or Remap explicitly —
// spec.md's map/remap/unmap are distinct primitives).
func Map(t *Table, phys mem.Pa, virt uintptr, flags defs.MMUFlags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[virt]; ok && e.Present {
		return false
	}
	t.entries[virt] = Entry{Present: true, Phys: phys, Flags: flags | defs.MMUPresent}
	return true
}

// Remap overwrites an existing mapping's physical address and/or
// flags; used by the COW upgrade-in-place path (spec.md §4.3) and by
// the fork-time downgrade-to-read-only step (§4.5).
func Remap(t *Table, phys mem.Pa, virt uintptr, flags defs.MMUFlags) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[virt] = Entry{Present: true, Phys: phys, Flags: flags | defs.MMUPresent}
}

// Unmap removes a mapping. Idempotent: unmapping an address with no
// mapping is a no-op, matching spec.md §4.4's "Idempotent over
// already-free regions."
func Unmap(t *Table, virt uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, virt)
}

// Translate returns the physical address mapped at virt, or (0, false)
// if virt has no present mapping.
func Translate(t *Table, virt uintptr) (mem.Pa, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[virt]
	if !ok || !e.Present {
		return 0, false
	}
	return e.Phys, true
}

func IsPresent(t *Table, virt uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[virt]
	return ok && e.Present
}

func IsWritable(t *Table, virt uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[virt]
	return ok && e.Present && e.Flags.Has(defs.MMUWrite)
}

func IsDirty(t *Table, virt uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[virt]
	return ok && e.Present && e.Flags.Has(defs.MMUDirty)
}

// MarkDirty sets the dirty bit on an existing mapping without
// otherwise disturbing it. The vmm fault resolver does not call it:
// dirtiness of shared file mappings is tracked in the page cache
// (pagecache.Cache.MakeDirty) instead.
func MarkDirty(t *Table, virt uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[virt]; ok {
		e.Flags |= defs.MMUDirty
		t.entries[virt] = e
	}
}

// current tracks, per logical CPU, the table last loaded by Switch.
// spec.md §3 calls this "a current-CPU pointer [that] identifies the
// active context"; we model one CPU per calling goroutine's declared
// CPU id rather than real cr3 hardware state.
var (
	curMu   sync.Mutex
	current = map[int]*Table{}
)

// Switch loads table into the processor, recording it as the given
// CPU's active table (spec.md §4.5's Context.switch).
func Switch(cpu int, t *Table) {
	curMu.Lock()
	defer curMu.Unlock()
	current[cpu] = t
}

// Current returns the table currently loaded on the given CPU, or nil.
func Current(cpu int) *Table {
	curMu.Lock()
	defer curMu.Unlock()
	return current[cpu]
}
