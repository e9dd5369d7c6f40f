package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fengjixuchui/Astral/defs"
)

func TestMemDiskReadWriteRoundtrip(t *testing.T) {
	d := NewMemDisk(512, 16)
	want := bytes.Repeat([]byte{0xAB}, 512*2)
	if err := d.WriteBlocks(want, 3, 2); err != 0 {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 512*2)
	if err := d.ReadBlocks(got, 3, 2); err != 0 {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back data does not match what was written")
	}
}

func TestMemDiskRejectsOutOfRange(t *testing.T) {
	d := NewMemDisk(512, 4)
	buf := make([]byte, 512)
	if err := d.ReadBlocks(buf, 3, 2); err != defs.EINVAL {
		t.Fatalf("ReadBlocks err = %v, want EINVAL", err)
	}
	if err := d.WriteBlocks(buf, -1, 1); err != defs.EINVAL {
		t.Fatalf("WriteBlocks err = %v, want EINVAL", err)
	}
}

func TestMemDiskRejectsShortBuffer(t *testing.T) {
	d := NewMemDisk(512, 4)
	buf := make([]byte, 100)
	if err := d.ReadBlocks(buf, 0, 1); err != defs.EINVAL {
		t.Fatalf("ReadBlocks err = %v, want EINVAL", err)
	}
}

func TestFileDiskReadWriteRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := OpenFileDisk(path, 512, 8)
	if err != nil {
		t.Fatalf("OpenFileDisk: %v", err)
	}
	defer d.Close()

	want := bytes.Repeat([]byte{0x5A}, 512)
	if err := d.WriteBlocks(want, 2, 1); err != 0 {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 512)
	if err := d.ReadBlocks(got, 2, 1); err != 0 {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back data does not match what was written")
	}
}
