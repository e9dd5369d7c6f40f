package bootcfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Memory.ArenaBytes <= 0 {
		t.Fatal("default arena size must be positive")
	}
	if cfg.Address.UserEnd <= cfg.Address.UserStart {
		t.Fatal("default user range must be non-empty")
	}
	if cfg.PageCache.Capacity <= 0 {
		t.Fatal("default page-cache capacity must be positive")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "astral.toml")
	const content = `
[memory]
arena_bytes = 1048576

[pagecache]
capacity = 64
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.ArenaBytes != 1048576 {
		t.Fatalf("ArenaBytes = %d, want 1048576", cfg.Memory.ArenaBytes)
	}
	if cfg.PageCache.Capacity != 64 {
		t.Fatalf("Capacity = %d, want 64", cfg.PageCache.Capacity)
	}
	// Fields omitted from the file retain their Default() values.
	if cfg.Address.UserEnd != Default().Address.UserEnd {
		t.Fatal("Load overwrote a field absent from the file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error loading a nonexistent file")
	}
}
