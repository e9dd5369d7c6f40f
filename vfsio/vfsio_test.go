package vfsio

import (
	"bytes"
	"testing"

	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/pagecache"
	"github.com/fengjixuchui/Astral/vfscore"
)

// regularFileOps is a minimal in-memory regular-file backing for
// exercising the page-cache-backed read/write path.
type regularFileOps struct {
	pmm        *mem.PMM
	data       []byte
	syncCalled int
}

func (o *regularFileOps) Getattr(v *vfscore.Vnode) (int64, defs.Err_t) { return int64(len(o.data)), 0 }
func (o *regularFileOps) Setattr(v *vfscore.Vnode, size int64) defs.Err_t { return 0 }
func (o *regularFileOps) Resize(v *vfscore.Vnode, newSize int64) defs.Err_t {
	if int64(len(o.data)) >= newSize {
		o.data = o.data[:newSize]
		return 0
	}
	grown := make([]byte, newSize)
	copy(grown, o.data)
	o.data = grown
	return 0
}
func (o *regularFileOps) Read(v *vfscore.Vnode, buf []byte, offset int64) (int, defs.Err_t) {
	return 0, 0
}
func (o *regularFileOps) Write(v *vfscore.Vnode, buf []byte, offset int64) (int, defs.Err_t) {
	return 0, 0
}
func (o *regularFileOps) Poll(v *vfscore.Vnode) defs.Err_t { return 0 }
func (o *regularFileOps) Sync(v *vfscore.Vnode) defs.Err_t { o.syncCalled++; return 0 }
func (o *regularFileOps) Mmap(v *vfscore.Vnode, addr uintptr, flags vfscore.MmapFlags) defs.Err_t {
	return 0
}
func (o *regularFileOps) Munmap(v *vfscore.Vnode, addr uintptr, flags vfscore.MmapFlags) defs.Err_t {
	return 0
}
func (o *regularFileOps) Ioctl(v *vfscore.Vnode, cmd, arg uintptr) (uintptr, defs.Err_t) {
	return 0, defs.EINVAL
}
func (o *regularFileOps) Getpage(v *vfscore.Vnode, offset int64, pa mem.Pa) defs.Err_t {
	d := o.pmm.Direct(pa)
	for i := range d {
		d[i] = 0
	}
	if offset < int64(len(o.data)) {
		copy(d, o.data[offset:])
	}
	return 0
}
func (o *regularFileOps) Putpage(v *vfscore.Vnode, offset int64, pa mem.Pa) defs.Err_t {
	end := offset + mem.PageSize
	if end > int64(len(o.data)) {
		o.Resize(nil, end)
	}
	copy(o.data[offset:end], o.pmm.Direct(pa))
	return 0
}

// blockDevOps is a minimal block-device backing whose size is reported
// through Ioctl rather than Getattr, per spec.md §4.6.
type blockDevOps struct {
	regularFileOps
	deviceSize int64
}

func (o *blockDevOps) Ioctl(v *vfscore.Vnode, cmd, arg uintptr) (uintptr, defs.Err_t) {
	if cmd == IoctlDeviceSize {
		return uintptr(o.deviceSize), 0
	}
	return 0, defs.EINVAL
}

func newTestEnv(t *testing.T, pages, capacity int) (*mem.PMM, *pagecache.Cache) {
	t.Helper()
	pmm, err := mem.New(pages * mem.PageSize)
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	t.Cleanup(func() { pmm.Close() })
	return pmm, pagecache.New(pmm, capacity)
}

func TestWriteThenReadRoundtrip(t *testing.T) {
	pmm, pc := newTestEnv(t, 32, 16)
	ops := &regularFileOps{pmm: pmm}
	v := vfscore.New(1, defs.VnodeRegular, ops)

	msg := []byte("the quick brown fox jumps over the lazy dog")
	n, err := Write(v, pmm, pc, msg, 10, 0)
	if err != 0 || n != len(msg) {
		t.Fatalf("Write = (%d, %v), want (%d, 0)", n, err, len(msg))
	}

	buf := make([]byte, len(msg))
	n, err = Read(v, pmm, pc, buf, 10, 0)
	if err != 0 || n != len(msg) {
		t.Fatalf("Read = (%d, %v), want (%d, 0)", n, err, len(msg))
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("Read back %q, want %q", buf, msg)
	}
}

func TestWriteExtendsFileSize(t *testing.T) {
	pmm, pc := newTestEnv(t, 32, 16)
	ops := &regularFileOps{pmm: pmm}
	v := vfscore.New(1, defs.VnodeRegular, ops)

	msg := []byte("grow")
	if _, err := Write(v, pmm, pc, msg, int64(mem.PageSize)+10, 0); err != 0 {
		t.Fatalf("Write: %v", err)
	}
	size, err := ops.Getattr(v)
	if err != 0 {
		t.Fatalf("Getattr: %v", err)
	}
	want := int64(mem.PageSize) + 10 + int64(len(msg))
	if size != want {
		t.Fatalf("file size = %d, want %d", size, want)
	}
}

func TestReadPastEOFReturnsZero(t *testing.T) {
	pmm, pc := newTestEnv(t, 32, 16)
	ops := &regularFileOps{pmm: pmm, data: []byte("short")}
	v := vfscore.New(1, defs.VnodeRegular, ops)

	buf := make([]byte, 16)
	n, err := Read(v, pmm, pc, buf, 1000, 0)
	if err != 0 || n != 0 {
		t.Fatalf("Read past EOF = (%d, %v), want (0, 0)", n, err)
	}
}

func TestReadClampsToFileSize(t *testing.T) {
	pmm, pc := newTestEnv(t, 32, 16)
	ops := &regularFileOps{pmm: pmm, data: []byte("hello")}
	v := vfscore.New(1, defs.VnodeRegular, ops)

	buf := make([]byte, 100)
	n, err := Read(v, pmm, pc, buf, 0, 0)
	if err != 0 || n != 5 {
		t.Fatalf("Read = (%d, %v), want (5, 0)", n, err)
	}
}

func TestBlockDeviceReadClampsToDeviceCapacity(t *testing.T) {
	pmm, pc := newTestEnv(t, 32, 16)
	ops := &blockDevOps{regularFileOps: regularFileOps{pmm: pmm, data: bytes.Repeat([]byte{0x7}, mem.PageSize)}, deviceSize: mem.PageSize}
	v := vfscore.New(1, defs.VnodeBlockDev, ops)

	buf := make([]byte, mem.PageSize*2)
	n, err := Read(v, pmm, pc, buf, 0, 0)
	if err != 0 {
		t.Fatalf("Read: %v", err)
	}
	if n != mem.PageSize {
		t.Fatalf("Read clamped to %d, want %d", n, mem.PageSize)
	}
}

func TestBlockDeviceWriteDoesNotExtendPastCapacity(t *testing.T) {
	pmm, pc := newTestEnv(t, 32, 16)
	ops := &blockDevOps{regularFileOps: regularFileOps{pmm: pmm, data: make([]byte, mem.PageSize)}, deviceSize: mem.PageSize}
	v := vfscore.New(1, defs.VnodeBlockDev, ops)

	buf := bytes.Repeat([]byte{0xAA}, mem.PageSize)
	n, err := Write(v, pmm, pc, buf, mem.PageSize/2, 0)
	if err != 0 {
		t.Fatalf("Write: %v", err)
	}
	if n != mem.PageSize/2 {
		t.Fatalf("Write clamped to %d, want %d", n, mem.PageSize/2)
	}
}

func TestNocacheWriteSyncsAndEvicts(t *testing.T) {
	pmm, pc := newTestEnv(t, 32, 16)
	ops := &regularFileOps{pmm: pmm}
	v := vfscore.New(1, defs.VnodeRegular, ops)

	if _, err := Write(v, pmm, pc, []byte("data"), 0, NOCACHE); err != 0 {
		t.Fatalf("Write: %v", err)
	}
	if ops.syncCalled == 0 {
		t.Fatal("NOCACHE write should have called Sync on a regular file")
	}
}

func TestNonRegularNonBlockForwardsVerbatim(t *testing.T) {
	pmm, pc := newTestEnv(t, 32, 16)
	called := false
	ops := &forwardingOps{onRead: func() { called = true }}
	v := vfscore.New(1, defs.VnodeCharDev, ops)

	buf := make([]byte, 4)
	if _, err := Read(v, pmm, pc, buf, 0, 0); err != 0 {
		t.Fatalf("Read: %v", err)
	}
	if !called {
		t.Fatal("Read on a char device should forward to Ops.Read directly")
	}
}

type forwardingOps struct {
	regularFileOps
	onRead func()
}

func (o *forwardingOps) Read(v *vfscore.Vnode, buf []byte, offset int64) (int, defs.Err_t) {
	o.onRead()
	return 0, 0
}
