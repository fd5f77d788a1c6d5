package lua

import (
	"errors"
	"testing"
)

type countingHook struct {
	interval int
	calls    []int64
	failAt   int64
	err      error
}

func (h *countingHook) Interval() int { return h.interval }

func (h *countingHook) Checkpoint(executed int64) error {
	h.calls = append(h.calls, executed)
	if h.failAt > 0 && executed >= h.failAt {
		return h.err
	}
	return nil
}

func TestMeterCallsHookEveryInterval(t *testing.T) {
	h := &countingHook{interval: 10}
	m := newMeter(h)

	for i := 0; i < 35; i++ {
		if m.Done() != nil {
			t.Fatalf("instruction %d: meter should not be done", i+1)
		}
	}

	want := []int64{10, 20, 30}
	if len(h.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", h.calls, want)
	}
	for i := range want {
		if h.calls[i] != want[i] {
			t.Errorf("calls = %v, want %v", h.calls, want)
		}
	}
	if m.count != 35 {
		t.Errorf("count = %d, want 35", m.count)
	}
}

func TestMeterTripIsPermanent(t *testing.T) {
	limit := errors.New("limit")
	h := &countingHook{interval: 5, failAt: 10, err: limit}
	m := newMeter(h)

	var done <-chan struct{}
	for i := 0; i < 10; i++ {
		done = m.Done()
	}
	if done == nil {
		t.Fatal("meter should be done once the hook fails")
	}
	select {
	case <-done:
	default:
		t.Fatal("done channel should be closed")
	}
	if !errors.Is(m.Err(), limit) {
		t.Errorf("Err() = %v", m.Err())
	}

	calls := len(h.calls)
	for i := 0; i < 100; i++ {
		if m.Done() == nil {
			t.Fatal("a tripped meter must stay done")
		}
	}
	if len(h.calls) != calls {
		t.Error("hook should not be called after the trip")
	}
}

func TestMeterFirstTripWins(t *testing.T) {
	m := newMeter(&countingHook{interval: 1})
	first := errors.New("first")
	m.trip(first)
	m.trip(errors.New("second"))
	if m.Err() != first {
		t.Errorf("Err() = %v, want first", m.Err())
	}
}

func TestMeterWithoutHook(t *testing.T) {
	m := newMeter(nil)
	for i := 0; i < 10; i++ {
		if m.Done() != nil {
			t.Fatal("a meter without a hook never trips on its own")
		}
	}
}

func TestMeterMemoryStride(t *testing.T) {
	over := errors.New("memory")
	h := &countingHook{interval: 1000}
	m := newMeter(h)

	var checks []int64
	failAt := int64(12)
	m.watchMemory(func() error {
		checks = append(checks, m.count)
		if m.count >= failAt {
			return over
		}
		return nil
	}, 4)

	for i := 0; i < 11; i++ {
		if m.Done() != nil {
			t.Fatalf("instruction %d: meter should not be done", i+1)
		}
	}
	if m.Done() == nil {
		t.Fatal("meter should be done once the memory check fails")
	}

	want := []int64{4, 8, 12}
	if len(checks) != len(want) {
		t.Fatalf("checks = %v, want %v", checks, want)
	}
	for i := range want {
		if checks[i] != want[i] {
			t.Errorf("checks = %v, want %v", checks, want)
		}
	}
	if !errors.Is(m.Err(), over) {
		t.Errorf("Err() = %v", m.Err())
	}
	if len(h.calls) != 0 {
		t.Errorf("hook called %v before its interval", h.calls)
	}
}
