package lua

import "github.com/caffeineduck/vmguard/hostfunc"

// Option configures a Machine.
type Option func(*config)

type config struct {
	registry     *hostfunc.Registry
	outputLimit  int
	memoryStride int
}

func defaultConfig() config {
	return config{
		outputLimit:  1024 * 1024,
		memoryStride: 16,
	}
}

// WithRegistry makes the registry's functions available as globals. A
// function is only bound into a sandbox when its name is allow-listed.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(c *config) {
		c.registry = r
	}
}

// WithOutputLimit caps how many bytes of print output a run keeps. Zero
// keeps everything.
func WithOutputLimit(n int) Option {
	return func(c *config) {
		c.outputLimit = n
	}
}

// WithMemoryStride sets how many instructions run between the cheap memory
// checks made outside the policy's sample interval. The overshoot past the
// memory limit is bounded by what that many instructions can allocate.
func WithMemoryStride(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.memoryStride = n
		}
	}
}
