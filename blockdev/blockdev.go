// Package blockdev implements the block device descriptor contract
// consumed by vfsio for block v-nodes (spec.md §6):
// {block_capacity, block_size, read(priv, buf, lba, count),
// write(priv, buf, lba, count)}.
//
// Grounded on biscuit/src/ufs/driver.go's ahci_disk_t, which simulates
// a disk backed by a host file with a mutex serializing seek-then-rw.
// This rewrite keeps that file-backed design but also offers a plain
// in-memory variant for tests that should not touch the filesystem.
package blockdev

import (
	"os"
	"sync"

	"github.com/fengjixuchui/Astral/defs"
)

// FileDisk is a block device backed by a host file, the architecture
// biscuit's ahci_disk_t uses for its simulated AHCI/virtio transport.
type FileDisk struct {
	mu        sync.Mutex
	f         *os.File
	blockSize int64
	capacity  int64
}

// OpenFileDisk opens (or creates) path as a block device image of the
// given capacity in blocks.
func OpenFileDisk(path string, blockSize, capacityBlocks int64) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(blockSize * capacityBlocks); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f, blockSize: blockSize, capacity: capacityBlocks}, nil
}

func (d *FileDisk) BlockCapacity() int64 { return d.capacity }
func (d *FileDisk) BlockSize() int64     { return d.blockSize }

func (d *FileDisk) ReadBlocks(buf []byte, lba, count int64) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lba < 0 || lba+count > d.capacity {
		return defs.EINVAL
	}
	want := count * d.blockSize
	if int64(len(buf)) < want {
		return defs.EINVAL
	}
	if _, err := d.f.Seek(lba*d.blockSize, 0); err != nil {
		return defs.EFAULT
	}
	if _, err := d.f.Read(buf[:want]); err != nil {
		return defs.EFAULT
	}
	return 0
}

func (d *FileDisk) WriteBlocks(buf []byte, lba, count int64) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lba < 0 || lba+count > d.capacity {
		return defs.EINVAL
	}
	want := count * d.blockSize
	if int64(len(buf)) < want {
		return defs.EINVAL
	}
	if _, err := d.f.Seek(lba*d.blockSize, 0); err != nil {
		return defs.EFAULT
	}
	if _, err := d.f.Write(buf[:want]); err != nil {
		return defs.EFAULT
	}
	return 0
}

func (d *FileDisk) Close() error { return d.f.Close() }

// MemDisk is an in-memory block device for unit tests, avoiding the
// host filesystem entirely.
type MemDisk struct {
	mu        sync.Mutex
	data      []byte
	blockSize int64
	capacity  int64
}

func NewMemDisk(blockSize, capacityBlocks int64) *MemDisk {
	return &MemDisk{
		data:      make([]byte, blockSize*capacityBlocks),
		blockSize: blockSize,
		capacity:  capacityBlocks,
	}
}

func (d *MemDisk) BlockCapacity() int64 { return d.capacity }
func (d *MemDisk) BlockSize() int64     { return d.blockSize }

func (d *MemDisk) ReadBlocks(buf []byte, lba, count int64) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lba < 0 || lba+count > d.capacity {
		return defs.EINVAL
	}
	off := lba * d.blockSize
	want := count * d.blockSize
	if int64(len(buf)) < want {
		return defs.EINVAL
	}
	copy(buf[:want], d.data[off:off+want])
	return 0
}

func (d *MemDisk) WriteBlocks(buf []byte, lba, count int64) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lba < 0 || lba+count > d.capacity {
		return defs.EINVAL
	}
	off := lba * d.blockSize
	want := count * d.blockSize
	if int64(len(buf)) < want {
		return defs.EINVAL
	}
	copy(d.data[off:off+want], buf[:want])
	return 0
}
