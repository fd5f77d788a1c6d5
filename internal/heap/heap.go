// Package heap reads the Go runtime's allocation counter for machines whose
// memory is the Go heap itself.
package heap

import "runtime/metrics"

const allocs = "/gc/heap/allocs:bytes"

// Allocated returns the bytes the process has allocated on the heap since it
// started. It counts objects the collector has freed since and never
// decreases.
func Allocated() int64 {
	sample := []metrics.Sample{{Name: allocs}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(sample[0].Value.Uint64())
}

// Watch tracks process-wide allocation since a mark.
//
// The counter is shared by every goroutine, so Since overstates what any one
// of them allocated. It never understates it: whatever a script allocated
// after Mark is at most Since, which makes a watch a cheap test for when an
// exact measurement is worth taking.
type Watch struct {
	mark int64
	read func() int64
}

func NewWatch() *Watch {
	return &Watch{read: Allocated}
}

// Mark restarts the watch at the current counter.
func (w *Watch) Mark() {
	w.mark = w.read()
}

// Since returns the bytes allocated since the last Mark, never negative.
func (w *Watch) Since() int64 {
	if d := w.read() - w.mark; d > 0 {
		return d
	}
	return 0
}
