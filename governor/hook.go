package governor

import (
	"context"
	"fmt"
	"time"
)

// Hook is the preemption checkpoint a machine calls every SampleInterval
// units of work. It implements vm.Hook.
type Hook struct {
	ctx      context.Context
	metrics  *Metrics
	policy   Policy
	start    time.Time
	usage    func() int64
	now      func() time.Time
	tripped  error
	interval int
}

// NewHook returns a hook for a run that started at start. Cancelling ctx
// aborts the run at the next checkpoint.
func NewHook(ctx context.Context, m *Metrics, p Policy, start time.Time, usage func() int64) *Hook {
	if usage == nil {
		usage = func() int64 { return 0 }
	}
	return &Hook{
		ctx:      ctx,
		metrics:  m,
		policy:   p,
		start:    start,
		usage:    usage,
		now:      time.Now,
		interval: p.SampleInterval,
	}
}

// Interval returns the policy's SampleInterval.
func (h *Hook) Interval() int {
	return h.interval
}

// Checkpoint records progress and returns an error once any limit has been
// crossed. After the first error every later call returns the same error.
func (h *Hook) Checkpoint(executed int64) error {
	h.metrics.InstructionsExecuted = executed
	h.metrics.Elapsed = h.now().Sub(h.start)

	if h.tripped != nil {
		return h.tripped
	}

	if h.policy.MaxDuration > 0 && h.metrics.Elapsed > h.policy.MaxDuration {
		h.metrics.TimedOut = true
		return h.trip(ErrTimedOut)
	}

	if err := h.checkMemory(); err != nil {
		return err
	}

	if h.metrics.StackOverflow {
		return h.trip(ErrStackOverflow)
	}

	if err := h.ctx.Err(); err != nil {
		return h.trip(fmt.Errorf("run cancelled: %w", err))
	}
	return nil
}

// CheckMemory judges memory alone, for machines that look between
// checkpoints. It implements vm.MemoryWatcher.
func (h *Hook) CheckMemory() error {
	if h.tripped != nil {
		return h.tripped
	}
	return h.checkMemory()
}

func (h *Hook) checkMemory() error {
	usage := h.usage()
	h.metrics.MemoryUsedBytes = usage
	if h.metrics.MemoryExceeded {
		return h.trip(ErrMemoryExceeded)
	}
	if h.policy.MaxMemoryBytes > 0 && usage > h.policy.MaxMemoryBytes {
		h.metrics.MemoryExceeded = true
		return h.trip(ErrMemoryExceeded)
	}
	return nil
}

func (h *Hook) trip(err error) error {
	h.tripped = err
	return err
}

// Err returns the error that stopped the run, if any.
func (h *Hook) Err() error {
	return h.tripped
}
