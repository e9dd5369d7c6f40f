package ammu

import (
	"testing"

	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/mem"
)

func TestMapThenTranslate(t *testing.T) {
	tbl, ok := NewTable()
	if !ok {
		t.Fatal("NewTable failed")
	}
	if !Map(tbl, mem.Pa(0x1000), 0x4000, defs.MMURead|defs.MMUWrite) {
		t.Fatal("Map failed")
	}
	pa, ok := Translate(tbl, 0x4000)
	if !ok || pa != mem.Pa(0x1000) {
		t.Fatalf("Translate = (%v, %v), want (0x1000, true)", pa, ok)
	}
}

func TestMapRejectsAlreadyPresent(t *testing.T) {
	tbl, _ := NewTable()
	Map(tbl, mem.Pa(0x1000), 0x4000, defs.MMURead)
	if Map(tbl, mem.Pa(0x2000), 0x4000, defs.MMURead) {
		t.Fatal("Map succeeded over an already-present entry")
	}
}

func TestRemapOverwrites(t *testing.T) {
	tbl, _ := NewTable()
	Map(tbl, mem.Pa(0x1000), 0x4000, defs.MMURead)
	Remap(tbl, mem.Pa(0x9000), 0x4000, defs.MMURead|defs.MMUWrite)
	pa, ok := Translate(tbl, 0x4000)
	if !ok || pa != mem.Pa(0x9000) {
		t.Fatalf("Translate after Remap = (%v, %v), want (0x9000, true)", pa, ok)
	}
	if !IsWritable(tbl, 0x4000) {
		t.Fatal("Remap did not apply the new writable flag")
	}
}

func TestUnmapIsIdempotent(t *testing.T) {
	tbl, _ := NewTable()
	Map(tbl, mem.Pa(0x1000), 0x4000, defs.MMURead)
	Unmap(tbl, 0x4000)
	if IsPresent(tbl, 0x4000) {
		t.Fatal("entry still present after Unmap")
	}
	Unmap(tbl, 0x4000) // must not panic
}

func TestMarkDirty(t *testing.T) {
	tbl, _ := NewTable()
	Map(tbl, mem.Pa(0x1000), 0x4000, defs.MMURead|defs.MMUWrite)
	if IsDirty(tbl, 0x4000) {
		t.Fatal("freshly mapped entry reports dirty")
	}
	MarkDirty(tbl, 0x4000)
	if !IsDirty(tbl, 0x4000) {
		t.Fatal("MarkDirty did not take effect")
	}
}

func TestSwitchAndCurrent(t *testing.T) {
	a, _ := NewTable()
	b, _ := NewTable()
	Switch(0, a)
	Switch(1, b)
	if Current(0) != a || Current(1) != b {
		t.Fatal("Current did not return the last table loaded per CPU")
	}
}
