package vfscore

import (
	"testing"

	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/mem"
)

type noopOps struct{}

func (noopOps) Getattr(v *Vnode) (int64, defs.Err_t)                { return 0, 0 }
func (noopOps) Setattr(v *Vnode, size int64) defs.Err_t              { return 0 }
func (noopOps) Resize(v *Vnode, newSize int64) defs.Err_t            { return 0 }
func (noopOps) Read(v *Vnode, buf []byte, offset int64) (int, defs.Err_t) { return 0, 0 }
func (noopOps) Write(v *Vnode, buf []byte, offset int64) (int, defs.Err_t) { return 0, 0 }
func (noopOps) Poll(v *Vnode) defs.Err_t                              { return 0 }
func (noopOps) Sync(v *Vnode) defs.Err_t                              { return 0 }
func (noopOps) Mmap(v *Vnode, addr uintptr, flags MmapFlags) defs.Err_t   { return 0 }
func (noopOps) Munmap(v *Vnode, addr uintptr, flags MmapFlags) defs.Err_t { return 0 }
func (noopOps) Ioctl(v *Vnode, cmd, arg uintptr) (uintptr, defs.Err_t)    { return 0, 0 }
func (noopOps) Getpage(v *Vnode, offset int64, pa mem.Pa) defs.Err_t      { return 0 }
func (noopOps) Putpage(v *Vnode, offset int64, pa mem.Pa) defs.Err_t      { return 0 }

func TestHoldReleaseRefcount(t *testing.T) {
	v := New(1, defs.VnodeRegular, noopOps{})
	if v.Refcnt() != 1 {
		t.Fatalf("Refcnt = %d, want 1", v.Refcnt())
	}
	v.Hold()
	if v.Refcnt() != 2 {
		t.Fatalf("Refcnt = %d, want 2", v.Refcnt())
	}
	if v.Release(nil) {
		t.Fatal("Release reported last-ref at refcnt 1")
	}
	inactiveCalled := false
	if !v.Release(func(*Vnode) { inactiveCalled = true }) {
		t.Fatal("Release did not report last-ref at refcnt 0")
	}
	if !inactiveCalled {
		t.Fatal("inactive hook was not invoked on last release")
	}
}

func TestReleaseUnderflowPanics(t *testing.T) {
	v := New(1, defs.VnodeRegular, noopOps{})
	v.Release(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on refcount underflow")
		}
	}()
	v.Release(nil)
}

func TestVnodeTypeHelpers(t *testing.T) {
	reg := New(1, defs.VnodeRegular, noopOps{})
	blk := New(2, defs.VnodeBlockDev, noopOps{})
	chr := New(3, defs.VnodeCharDev, noopOps{})

	if !reg.IsRegularOrBlock() || !blk.IsRegularOrBlock() {
		t.Fatal("regular/block vnodes should report IsRegularOrBlock")
	}
	if chr.IsRegularOrBlock() {
		t.Fatal("char device should not report IsRegularOrBlock")
	}
	if !chr.IsCharDevice() {
		t.Fatal("char device should report IsCharDevice")
	}
	if reg.IsCharDevice() {
		t.Fatal("regular file should not report IsCharDevice")
	}
}
