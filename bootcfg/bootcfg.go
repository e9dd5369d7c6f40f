// Package bootcfg loads the boot-time configuration: arena size (for
// mem.New), user/kernel address bounds (for vmm.Init), and page-cache
// capacity (for pagecache.New). There is no teacher
// analogue for a boot-config file — biscuit's bootloader passes this
// information via assembled constants — so this package is grounded on
// the ambient stack's own choice of github.com/BurntSushi/toml,
// carried into this repository from the domain stack survey of the
// example corpus (gvisor's go.mod requires it) rather than from any
// single teacher file.
package bootcfg

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the decoded boot configuration, normally loaded from a
// file such as astral.toml.
type Config struct {
	Memory    MemoryConfig    `toml:"memory"`
	Address   AddressConfig   `toml:"address"`
	PageCache PageCacheConfig `toml:"pagecache"`
}

// MemoryConfig sizes the physical page allocator's backing arena.
type MemoryConfig struct {
	// ArenaBytes is the total size of the PMM's backing arena, rounded
	// down to a whole number of pages by mem.New.
	ArenaBytes int `toml:"arena_bytes"`
}

// AddressConfig carries the user and kernel address-space bounds each
// vmm.VMM is initialized with.
type AddressConfig struct {
	UserStart   uint64 `toml:"user_start"`
	UserEnd     uint64 `toml:"user_end"`
	KernelStart uint64 `toml:"kernel_start"`
	KernelEnd   uint64 `toml:"kernel_end"`
}

// PageCacheConfig sizes the page cache's resident-page capacity.
type PageCacheConfig struct {
	Capacity int `toml:"capacity"`
}

// Default returns the configuration used when no boot file is
// supplied: a 64MiB arena, a conventional 3GiB/1GiB user/kernel split,
// and a 256-page cache.
func Default() Config {
	const gib = 1 << 30
	return Config{
		Memory:  MemoryConfig{ArenaBytes: 64 << 20},
		Address: AddressConfig{UserStart: 0, UserEnd: 3 * gib, KernelStart: 3 * gib, KernelEnd: 4 * gib},
		PageCache: PageCacheConfig{
			Capacity: 256,
		},
	}
}

// Load decodes a TOML boot configuration file at path, filling in any
// field the file omits from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: decode %s: %w", path, err)
	}
	return cfg, nil
}
