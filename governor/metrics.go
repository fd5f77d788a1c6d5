package governor

import "time"

// Metrics describes one run. The governor resets it at the start of every
// run; the hook, allocator and depth guard update it while the script runs.
type Metrics struct {
	Elapsed         time.Duration `json:"elapsed"`
	MemoryUsedBytes int64         `json:"memory_used_bytes"`

	// CurrentCallDepth is the deepest call depth the depth guard saw during
	// the run, or the rejected depth after a stack overflow. The Lua machine
	// only reports overflows, so it stays 0 for Lua runs that succeed.
	CurrentCallDepth int `json:"current_call_depth"`

	// InstructionsExecuted counts units of work the machine performed:
	// VM instructions for Lua, guest function entries for Wasm.
	InstructionsExecuted int64 `json:"instructions_executed"`

	TimedOut       bool `json:"timed_out"`
	MemoryExceeded bool `json:"memory_exceeded"`
	StackOverflow  bool `json:"stack_overflow"`
}

func (m Metrics) ElapsedMs() int64 {
	return m.Elapsed.Milliseconds()
}

// Limited reports whether any limit tripped.
func (m Metrics) Limited() bool {
	return m.TimedOut || m.MemoryExceeded || m.StackOverflow
}

func (m Metrics) flag(k Kind) bool {
	switch k {
	case TimedOut:
		return m.TimedOut
	case MemoryExceeded:
		return m.MemoryExceeded
	case StackOverflow:
		return m.StackOverflow
	}
	return false
}
