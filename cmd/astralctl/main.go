// Command astralctl boots a single in-process kernel context and
// exercises the map/write/read/fork/unmap path end to end, the way
// biscuit's mkfs command assembles a disk image as a smoke test of
// its own filesystem package rather than through a test binary.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fengjixuchui/Astral/ammu"
	"github.com/fengjixuchui/Astral/bootcfg"
	"github.com/fengjixuchui/Astral/defs"
	"github.com/fengjixuchui/Astral/kernlog"
	"github.com/fengjixuchui/Astral/mem"
	"github.com/fengjixuchui/Astral/pagecache"
	"github.com/fengjixuchui/Astral/ra"
	"github.com/fengjixuchui/Astral/vfscore"
	"github.com/fengjixuchui/Astral/vfsio"
	"github.com/fengjixuchui/Astral/vmm"
	"github.com/sirupsen/logrus"
)

func main() {
	cfgPath := flag.String("config", "", "path to a TOML boot configuration (defaults built in if omitted)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		kernlog.SetLevel(logrus.DebugLevel)
	}
	log := kernlog.Subsystem("astralctl")

	cfg := bootcfg.Default()
	if *cfgPath != "" {
		loaded, err := bootcfg.Load(*cfgPath)
		if err != nil {
			log.WithError(err).Error("failed to load boot configuration")
			os.Exit(1)
		}
		cfg = loaded
	}

	pmm, err := mem.New(cfg.Memory.ArenaBytes)
	if err != nil {
		log.WithError(err).Error("failed to size physical memory arena")
		os.Exit(1)
	}
	defer pmm.Close()

	alloc := ra.New(pmm)
	pc := pagecache.New(pmm, cfg.PageCache.Capacity)

	v, ok := vmm.Init(pmm, alloc, pc,
		uintptr(cfg.Address.UserStart), uintptr(cfg.Address.UserEnd),
		uintptr(cfg.Address.KernelStart), uintptr(cfg.Address.KernelEnd))
	if !ok {
		log.Error("failed to initialize vmm")
		os.Exit(1)
	}
	log.Info("vmm initialized")

	ctx, ok := v.NewContext(uintptr(cfg.Address.UserStart), uintptr(cfg.Address.UserEnd), 0)
	if !ok {
		log.Error("failed to create user context")
		os.Exit(1)
	}
	defer v.Destroy(ctx)

	file := vfscore.New(1, defs.VnodeRegular, &memFileOps{pmm: pmm})

	hint := uintptr(cfg.Address.UserStart)
	addr, mapErr := v.Map(ctx, &hint, mem.PageSize, defs.FILE|defs.SHARED, defs.MMURead|defs.MMUWrite|defs.MMUUser, vmm.MapArgs{Vnode: file})
	if mapErr != 0 {
		log.WithError(mapErr).Error("map failed")
		os.Exit(1)
	}
	log.Infof("mapped file-backed page at %#x", addr)

	msg := []byte("hello from astralctl")
	if n, werr := vfsio.Write(file, pmm, pc, msg, 0, 0); werr != 0 {
		log.WithError(werr).Error("write failed")
		os.Exit(1)
	} else {
		log.Infof("wrote %d bytes", n)
	}

	readBack := make([]byte, len(msg))
	if n, rerr := vfsio.Read(file, pmm, pc, readBack, 0, 0); rerr != 0 {
		log.WithError(rerr).Error("read failed")
		os.Exit(1)
	} else {
		fmt.Printf("read back %d bytes: %q\n", n, readBack)
	}

	if sig := v.Fault(ctx, addr, true, defs.AccessRead); sig != defs.SigNone {
		log.Errorf("unexpected fault resolving read access: %v", sig)
		os.Exit(1)
	}

	child, ok := v.Fork(ctx, 0)
	if !ok {
		log.Error("fork failed")
		os.Exit(1)
	}
	defer v.Destroy(child)
	log.Info("forked child context")

	ammu.Switch(0, ctx.Table)
	if uerr := v.Unmap(ctx, addr, mem.PageSize); uerr != 0 {
		log.WithError(uerr).Error("unmap failed")
		os.Exit(1)
	}
	log.Info("unmapped file-backed range")
}

// memFileOps is a minimal in-memory Ops implementation standing in for
// a real filesystem, sufficient to exercise the page-cache-backed read
// and write path.
type memFileOps struct {
	pmm  *mem.PMM
	data []byte
}

func (m *memFileOps) Getattr(v *vfscore.Vnode) (int64, defs.Err_t) {
	return int64(len(m.data)), 0
}

func (m *memFileOps) Setattr(v *vfscore.Vnode, size int64) defs.Err_t { return 0 }

func (m *memFileOps) Resize(v *vfscore.Vnode, newSize int64) defs.Err_t {
	if newSize < 0 {
		return defs.EINVAL
	}
	if int64(len(m.data)) >= newSize {
		m.data = m.data[:newSize]
		return 0
	}
	grown := make([]byte, newSize)
	copy(grown, m.data)
	m.data = grown
	return 0
}

func (m *memFileOps) Read(v *vfscore.Vnode, buf []byte, offset int64) (int, defs.Err_t) {
	if offset >= int64(len(m.data)) {
		return 0, 0
	}
	n := copy(buf, m.data[offset:])
	return n, 0
}

func (m *memFileOps) Write(v *vfscore.Vnode, buf []byte, offset int64) (int, defs.Err_t) {
	if err := m.Resize(v, offset+int64(len(buf))); err != 0 {
		return 0, err
	}
	n := copy(m.data[offset:], buf)
	return n, 0
}

func (m *memFileOps) Poll(v *vfscore.Vnode) defs.Err_t { return 0 }
func (m *memFileOps) Sync(v *vfscore.Vnode) defs.Err_t { return 0 }

func (m *memFileOps) Mmap(v *vfscore.Vnode, addr uintptr, flags vfscore.MmapFlags) defs.Err_t {
	return defs.EINVAL
}
func (m *memFileOps) Munmap(v *vfscore.Vnode, addr uintptr, flags vfscore.MmapFlags) defs.Err_t {
	return 0
}

func (m *memFileOps) Ioctl(v *vfscore.Vnode, cmd uintptr, arg uintptr) (uintptr, defs.Err_t) {
	return 0, defs.EINVAL
}

// Getpage fills the page-cache-provided frame pa with the file's
// content at the given page-aligned offset, zero-padding past EOF.
func (m *memFileOps) Getpage(v *vfscore.Vnode, offset int64, pa mem.Pa) defs.Err_t {
	dst := m.pmm.Direct(pa)
	for i := range dst {
		dst[i] = 0
	}
	if offset >= int64(len(m.data)) {
		return 0
	}
	copy(dst, m.data[offset:])
	return 0
}

// Putpage writes a dirty page-cache frame back into the backing
// store, growing it if the page lies past the current end.
func (m *memFileOps) Putpage(v *vfscore.Vnode, offset int64, pa mem.Pa) defs.Err_t {
	end := offset + mem.PageSize
	if end > int64(len(m.data)) {
		if err := m.Resize(v, end); err != 0 {
			return err
		}
	}
	copy(m.data[offset:end], m.pmm.Direct(pa))
	return 0
}
