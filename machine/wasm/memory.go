package wasm

import (
	"math"

	"github.com/tetratelabs/wazero/experimental"
)

// linearMemory backs a guest memory with buffers from the run's allocator,
// so memory.grow past the limit returns -1 instead of growing.
type linearMemory struct {
	m   *Machine
	buf []byte
	max uint64
}

func (m *Machine) allocate(_, max uint64) experimental.LinearMemory {
	mem := &linearMemory{m: m, max: max}
	m.memories = append(m.memories, mem)
	return mem
}

func (l *linearMemory) Reallocate(size uint64) []byte {
	if size > l.max || size > math.MaxInt {
		return nil
	}

	a := l.m.guards.Allocator
	if a == nil {
		if size <= uint64(cap(l.buf)) {
			l.buf = l.buf[:size]
			return l.buf
		}
		buf := make([]byte, size)
		copy(buf, l.buf)
		l.buf = buf
		return buf
	}

	buf := a.Realloc(l.buf, int(size))
	if buf == nil && size > 0 {
		l.m.denied = true
		return nil
	}
	l.buf = buf
	return buf
}

func (l *linearMemory) Free() {
	l.buf = nil
}

// MemoryUsage is the total size of the run's live linear memories.
func (m *Machine) MemoryUsage() int64 {
	var total int64
	for _, mem := range m.memories {
		total += int64(len(mem.buf))
	}
	return total
}
