// Package vfscore is the reference-counted v-node layer named in
// spec.md §4 component 4. It is grounded on biscuit's fd/fs packages
// (fd.Fd_t wrapping an fdops.Fdops_i vtable, fs.Fs_t's per-inode
// locking) generalized to the operations spec.md §6 names explicitly:
// getattr, setattr, resize, read, write, poll, sync, mmap, munmap,
// ioctl, getpage, putpage.
package vfscore

import (
	"sync/atomic"

	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/kmutex"
	"github.com/fengjixuchui/Astral/mem"
)

// MmapFlags are passed to Ops.Mmap/Munmap so a character-device vnode
// can tell a shared mapping from a private one (spec.md §4.3's
// "distinguishes shared vs. private mappings and character-device
// mappings").
type MmapFlags uint

const (
	MmapShared MmapFlags = 1 << iota
	MmapWrite
)

// Ops is the v-node operations vtable (spec.md §6). A filesystem
// implements the subset relevant to its v-node types; unsupported
// operations return ENOSYS-equivalent via defs.EINVAL.
type Ops interface {
	Getattr(v *Vnode) (size int64, err defs.Err_t)
	Setattr(v *Vnode, size int64) defs.Err_t
	Resize(v *Vnode, newSize int64) defs.Err_t
	Read(v *Vnode, buf []byte, offset int64) (int, defs.Err_t)
	Write(v *Vnode, buf []byte, offset int64) (int, defs.Err_t)
	Poll(v *Vnode) defs.Err_t
	Sync(v *Vnode) defs.Err_t
	Mmap(v *Vnode, addr uintptr, flags MmapFlags) defs.Err_t
	Munmap(v *Vnode, addr uintptr, flags MmapFlags) defs.Err_t
	Ioctl(v *Vnode, cmd uintptr, arg uintptr) (uintptr, defs.Err_t)
	// Getpage must populate the page at the given physical address (or
	// signal out-of-range via ENOENT) and pin it; Putpage is the
	// inverse and is typically a no-op for cache-only filesystems
	// (spec.md §6).
	Getpage(v *Vnode, offset int64, pa mem.Pa) defs.Err_t
	Putpage(v *Vnode, offset int64, pa mem.Pa) defs.Err_t
}

// Vnode is a reference-counted file object. The core never frees a
// v-node directly (spec.md §3): at refcount zero, Inactive runs and
// may free or cache the node.
type Vnode struct {
	refcnt   int32
	Type     defs.VnodeType
	Ops      Ops
	SizeLock *kmutex.Mutex // acquired outside any page-cache lock (spec.md §5)
	BlockDev BlockDevDescriptor

	// ID distinguishes vnodes for map keys (e.g. the page cache's
	// (vnode, offset) key) without requiring pointer identity to
	// survive serialization.
	ID uint64
}

// BlockDevDescriptor is the block-device contract consumed by vfsio for
// block v-nodes (spec.md §6).
type BlockDevDescriptor interface {
	BlockCapacity() int64 // in blocks
	BlockSize() int64     // bytes per block
	ReadBlocks(buf []byte, lba int64, count int64) defs.Err_t
	WriteBlocks(buf []byte, lba int64, count int64) defs.Err_t
}

// New creates a v-node with one reference held by the caller.
func New(id uint64, typ defs.VnodeType, ops Ops) *Vnode {
	return &Vnode{refcnt: 1, Type: typ, Ops: ops, ID: id, SizeLock: kmutex.New()}
}

// Hold increments the v-node's reference count.
func (v *Vnode) Hold() {
	if atomic.AddInt32(&v.refcnt, 1) <= 1 {
		panic("vfscore: Hold on dead vnode")
	}
}

// Release decrements the v-node's reference count; at zero, the
// filesystem's Inactive hook (if set) runs and may free or cache the
// node (spec.md §3). Returns true if this call dropped the last ref.
func (v *Vnode) Release(inactive func(*Vnode)) bool {
	c := atomic.AddInt32(&v.refcnt, -1)
	if c < 0 {
		panic("vfscore: refcount underflow")
	}
	if c == 0 {
		if inactive != nil {
			inactive(v)
		}
		return true
	}
	return false
}

func (v *Vnode) Refcnt() int { return int(atomic.LoadInt32(&v.refcnt)) }

// IsCharDevice reports whether the vnode is a character device, the
// one vnode type the fault resolver and unmap-span teardown single out
// for special handling (spec.md §4.2, §4.3).
func (v *Vnode) IsCharDevice() bool { return v.Type == defs.VnodeCharDev }

// IsRegularOrBlock reports whether this vnode's I/O goes through the
// unified page-cache path (spec.md §4.6) rather than being forwarded
// verbatim to the vnode's own read/write.
func (v *Vnode) IsRegularOrBlock() bool {
	return v.Type == defs.VnodeRegular || v.Type == defs.VnodeBlockDev
}
