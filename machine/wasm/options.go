package wasm

import "github.com/caffeineduck/vmguard/hostfunc"

// DefaultEntry is the export a run calls.
const DefaultEntry = "run"

// Option configures a Machine.
type Option func(*config)

type config struct {
	registry         *hostfunc.Registry
	outputLimit      int
	entry            string
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // 0 = wazero default (65536 pages = 4GB)
	maxCompiled      int
}

func defaultConfig() config {
	return config{
		outputLimit: 1024 * 1024,
		entry:       DefaultEntry,
		maxCompiled: 64,
	}
}

// WithRegistry makes the registry's functions reachable through the
// host_call import. Only allow-listed names can be called.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(c *config) {
		c.registry = r
	}
}

// WithOutputLimit caps how many bytes of output a run keeps. Zero keeps
// everything.
func WithOutputLimit(n int) Option {
	return func(c *config) {
		c.outputLimit = n
	}
}

// WithEntry sets the exported function a run calls instead of "run".
func WithEntry(name string) Option {
	return func(c *config) {
		if name != "" {
			c.entry = name
		}
	}
}

// WithDiskCache enables a persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/vmguard or
// XDG_CACHE_HOME/vmguard.
//
// Examples:
//
//	wasm.New(wasm.WithDiskCache())             // default dir
//	wasm.New(wasm.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimitPages sets a hard ceiling on every linear memory, in 64KB
// pages. It applies on top of the policy's memory limit; a module whose
// minimum is larger fails to compile.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithMaxCompiled bounds how many compiled modules the machine keeps.
func WithMaxCompiled(n int) Option {
	return func(c *config) {
		c.maxCompiled = n
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
)
