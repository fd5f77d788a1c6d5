package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/vmguard/sandbox"
	"github.com/caffeineduck/vmguard/vm"
)

// State is where a governor is in its run lifecycle.
type State int32

const (
	Idle State = iota
	Loading
	Sandboxing
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Sandboxing:
		return "sandboxing"
	case Running:
		return "running"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Governor runs untrusted scripts on one machine under a Policy.
type Governor struct {
	machine    vm.Machine
	logger     *slog.Logger
	allow      sandbox.AllowList
	precedence []Kind

	runMu sync.Mutex
	state atomic.Int32

	lastMu sync.RWMutex
	last   Metrics
}

// New creates a governor that owns m. Closing the governor closes m.
func New(m vm.Machine, opts ...Option) (*Governor, error) {
	if m == nil {
		return nil, errors.New("machine required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := validatePrecedence(cfg.precedence); err != nil {
		return nil, err
	}

	allow := cfg.allow
	if allow == nil {
		allow = m.DefaultAllowList()
	}

	return &Governor{
		machine:    m,
		logger:     cfg.logger,
		allow:      allow,
		precedence: cfg.precedence,
	}, nil
}

// Machine returns the machine this governor drives.
func (g *Governor) Machine() vm.Machine {
	return g.machine
}

// AllowList returns a copy of the allow-list applied to every run.
func (g *Governor) AllowList() sandbox.AllowList {
	return g.allow.Clone()
}

func (g *Governor) State() State {
	return State(g.state.Load())
}

// LastMetrics returns a copy of the metrics of the most recent run.
func (g *Governor) LastMetrics() Metrics {
	g.lastMu.RLock()
	defer g.lastMu.RUnlock()
	return g.last
}

// RunScript loads script, runs it in a fresh sandbox under p and reports how
// it ended. Calls on one governor are serialized.
func (g *Governor) RunScript(ctx context.Context, script []byte, chunkName string, p Policy) Outcome {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	out := g.run(ctx, script, chunkName, p)

	g.lastMu.Lock()
	g.last = out.Metrics
	g.lastMu.Unlock()

	level := slog.LevelDebug
	if out.Kind != Success {
		level = slog.LevelInfo
	}
	g.logger.Log(ctx, level, "run finished",
		"machine", g.machine.Name(),
		"chunk", chunkName,
		"outcome", out.Kind.String(),
		"elapsed_ms", out.Metrics.ElapsedMs(),
		"memory_bytes", out.Metrics.MemoryUsedBytes,
		"instructions", out.Metrics.InstructionsExecuted,
	)
	return out
}

func (g *Governor) run(ctx context.Context, script []byte, chunkName string, p Policy) Outcome {
	if err := p.Validate(); err != nil {
		return Outcome{Kind: RuntimeError, Message: err.Error()}
	}

	var metrics Metrics
	start := time.Now()

	g.state.Store(int32(Loading))
	defer g.state.Store(int32(Idle))

	guards := vm.Guards{
		Allocator:   NewAllocator(&metrics, p.MaxMemoryBytes, g.machine.MemoryUsage),
		Hook:        NewHook(ctx, &metrics, p, start, g.machine.MemoryUsage),
		Depth:       NewDepthGuard(&metrics, p.MaxCallDepth),
		Deadline:    p.Deadline(start),
		MemoryLimit: p.MaxMemoryBytes,
	}
	if err := g.machine.Arm(guards); err != nil {
		return Outcome{Kind: RuntimeError, Message: fmt.Sprintf("arm %s: %v", g.machine.Name(), err)}
	}
	defer g.machine.Disarm()

	unit, err := g.load(script, chunkName)
	if err != nil {
		return Outcome{Kind: SyntaxError, Message: err.Error()}
	}
	metrics.Elapsed = time.Since(start)
	metrics.MemoryUsedBytes = g.machine.MemoryUsage()

	g.state.Store(int32(Sandboxing))
	env, err := sandbox.Build(g.machine.Globals(), g.allow)
	if err != nil {
		return g.finish(&metrics, p, start, nil, fmt.Errorf("build sandbox: %w", err))
	}
	if missing := env.Missing(); len(missing) > 0 {
		g.logger.Debug("allow-listed names not provided", "machine", g.machine.Name(), "names", missing)
	}
	if err := g.machine.Bind(unit, env); err != nil {
		return g.finish(&metrics, p, start, nil, fmt.Errorf("bind sandbox: %w", err))
	}

	g.state.Store(int32(Running))
	values, err := g.machine.Call(ctx, unit)
	return g.finish(&metrics, p, start, values, err)
}

func (g *Governor) load(script []byte, chunkName string) (vm.Unit, error) {
	if !vm.HasSignature(script, g.machine.Signature()) && !g.machine.AcceptsSource() {
		return nil, fmt.Errorf("%s: %w", chunkName, vm.ErrSignature)
	}
	return g.machine.Load(script, chunkName)
}

func (g *Governor) finish(metrics *Metrics, p Policy, start time.Time, values []any, err error) Outcome {
	metrics.Elapsed = time.Since(start)
	if c, ok := g.machine.(vm.Counter); ok {
		metrics.InstructionsExecuted = c.Executed()
	}
	if usage := g.machine.MemoryUsage(); usage > metrics.MemoryUsedBytes {
		metrics.MemoryUsedBytes = usage
	}
	// Machines sample memory, so a run can end between samples with more
	// than it was allowed.
	if p.MaxMemoryBytes > 0 && metrics.MemoryUsedBytes > p.MaxMemoryBytes {
		metrics.MemoryExceeded = true
	}
	if p.MaxDuration > 0 && metrics.Elapsed > p.MaxDuration {
		metrics.TimedOut = true
	}

	out := Outcome{Metrics: *metrics, Output: g.machine.Output()}

	for _, k := range g.precedence {
		if metrics.flag(k) {
			out.Kind = k
			out.Message = limitMessage(k, p)
			return out
		}
	}

	if err != nil {
		out.Kind = RuntimeError
		out.Message = err.Error()
		return out
	}

	out.Kind = Success
	out.Values = values
	return out
}

func limitMessage(k Kind, p Policy) string {
	switch k {
	case TimedOut:
		return fmt.Sprintf("script exceeded time limit of %v", p.MaxDuration)
	case MemoryExceeded:
		return fmt.Sprintf("script exceeded memory limit of %d bytes", p.MaxMemoryBytes)
	case StackOverflow:
		return fmt.Sprintf("script exceeded call depth limit of %d", p.MaxCallDepth)
	}
	return k.String()
}

// Validate compiles script without running it. It returns a *ScriptError of
// kind SyntaxError when the script cannot be loaded.
func (g *Governor) Validate(script []byte, chunkName string) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	g.state.Store(int32(Loading))
	defer g.state.Store(int32(Idle))

	var metrics Metrics
	p := DefaultPolicy()
	guards := vm.Guards{
		Allocator: NewAllocator(&metrics, 0, nil),
		Hook:      NewHook(context.Background(), &metrics, Policy{SampleInterval: p.SampleInterval}, time.Now(), nil),
		Depth:     NewDepthGuard(&metrics, p.MaxCallDepth),
	}
	if err := g.machine.Arm(guards); err != nil {
		return fmt.Errorf("arm %s: %w", g.machine.Name(), err)
	}
	defer g.machine.Disarm()

	if _, err := g.load(script, chunkName); err != nil {
		return &ScriptError{Kind: SyntaxError, Message: err.Error()}
	}
	return nil
}

// Close releases the machine.
func (g *Governor) Close() error {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.machine.Close()
}
