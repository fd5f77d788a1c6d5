package lua

import (
	"context"
	"time"

	"github.com/caffeineduck/vmguard/vm"
)

// meter counts instructions for gopher-lua.
//
// An LState with a context consults ctx.Done() before every instruction. The
// meter answers with a nil channel (keep going) until the hook reports a
// limit, then with a closed channel forever, so the VM raises Err() as a Lua
// error at the next instruction and at every instruction after that.
//
// Between checkpoints the meter also calls memCheck every memStride
// instructions, so a run that grows quickly is caught within a few
// instructions of crossing its memory limit instead of a whole interval.
//
// A meter belongs to one LState and is only touched from the goroutine
// running it.
type meter struct {
	parent   context.Context
	hook     vm.Hook
	interval int64
	count    int64
	next     int64
	done     chan struct{}
	err      error

	memCheck  func() error
	memStride int64
	memNext   int64
}

func newMeter(h vm.Hook) *meter {
	interval := int64(1)
	if h != nil && h.Interval() > 0 {
		interval = int64(h.Interval())
	}
	return &meter{
		parent:   context.Background(),
		hook:     h,
		interval: interval,
		next:     interval,
		done:     make(chan struct{}),
	}
}

func (m *meter) Done() <-chan struct{} {
	if m.err != nil {
		return m.done
	}
	m.count++
	if m.memCheck != nil && m.count >= m.memNext {
		m.memNext += m.memStride
		if err := m.memCheck(); err != nil {
			m.trip(err)
			return m.done
		}
	}
	if m.count < m.next {
		return nil
	}
	m.next += m.interval
	if m.hook != nil {
		if err := m.hook.Checkpoint(m.count); err != nil {
			m.trip(err)
			return m.done
		}
	}
	return nil
}

// watchMemory installs check on a stride of n instructions.
func (m *meter) watchMemory(check func() error, n int) {
	if n <= 0 {
		n = 1
	}
	m.memCheck = check
	m.memStride = int64(n)
	m.memNext = m.count + int64(n)
}

// trip stops the run permanently. The first error wins.
func (m *meter) trip(err error) {
	if m.err != nil {
		return
	}
	m.err = err
	close(m.done)
}

func (m *meter) Err() error {
	return m.err
}

func (m *meter) Deadline() (time.Time, bool) {
	return m.parent.Deadline()
}

func (m *meter) Value(key any) any {
	return m.parent.Value(key)
}
