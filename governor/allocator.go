package governor

// Allocator gates every allocation a machine routes through its allocator
// slot. It implements vm.Allocator.
//
// The first growth of a run is judged on its own size, not on top of the
// usage already recorded, because that usage is the machine's startup
// overhead. It is still denied when newSize alone exceeds the limit.
type Allocator struct {
	metrics *Metrics
	limit   int64
	usage   func() int64
	grown   bool
}

// NewAllocator returns an allocator that records into m and judges growth
// against limit. usage reports the machine's live bytes; nil means zero.
func NewAllocator(m *Metrics, limit int64, usage func() int64) *Allocator {
	if usage == nil {
		usage = func() int64 { return 0 }
	}
	return &Allocator{metrics: m, limit: limit, usage: usage}
}

// Realloc resizes block to newSize bytes. Frees and shrinks always succeed.
// A growth that would take usage past the limit returns nil and marks the
// run as over its memory budget; nothing is allocated in that case.
func (a *Allocator) Realloc(block []byte, newSize int) []byte {
	usage := a.usage()
	a.metrics.MemoryUsedBytes = usage

	oldSize := len(block)
	switch {
	case newSize <= 0:
		return nil
	case newSize <= oldSize:
		return block[:newSize]
	}

	first := !a.grown
	a.grown = true

	if a.limit > 0 {
		projected := usage - int64(oldSize) + int64(newSize)
		if first {
			// Startup overhead is already on the books before the script
			// runs, so the first request is judged on its own.
			projected = int64(newSize)
		}
		if projected > a.limit {
			a.metrics.MemoryExceeded = true
			return nil
		}
	}

	out := make([]byte, newSize)
	copy(out, block)

	if grown := usage - int64(oldSize) + int64(newSize); grown > a.metrics.MemoryUsedBytes {
		a.metrics.MemoryUsedBytes = grown
	}
	return out
}

// Denied reports whether any growth was refused this run.
func (a *Allocator) Denied() bool {
	return a.metrics.MemoryExceeded
}
