package governor

import (
	"context"
	"errors"
	"strings"

	"github.com/caffeineduck/vmguard/sandbox"
	"github.com/caffeineduck/vmguard/vm"
)

// mockMachine implements vm.Machine for testing governor logic without a
// real VM. The script body is ignored; behaviour comes from body.
type mockMachine struct {
	sig    []byte
	source bool
	body   func(ctx context.Context, m *mockMachine) ([]any, error)

	guards   vm.Guards
	armed    bool
	usage    int64
	executed int64
	output   strings.Builder
	env      *sandbox.Environment

	arms, disarms int
	closed        bool
}

type mockUnit struct{ name string }

func (u mockUnit) ChunkName() string { return u.name }

func newMockMachine(body func(ctx context.Context, m *mockMachine) ([]any, error)) *mockMachine {
	return &mockMachine{sig: []byte("\x00mck"), source: true, body: body}
}

func (m *mockMachine) Name() string        { return "mock" }
func (m *mockMachine) Signature() []byte   { return m.sig }
func (m *mockMachine) AcceptsSource() bool { return m.source }

func (m *mockMachine) DefaultAllowList() sandbox.AllowList {
	return sandbox.AllowList{"print": nil, "math": nil}
}

func (m *mockMachine) Arm(g vm.Guards) error {
	m.guards = g
	m.armed = true
	m.usage = 0
	m.executed = 0
	m.output.Reset()
	m.env = nil
	m.arms++
	return nil
}

func (m *mockMachine) Load(script []byte, chunkName string) (vm.Unit, error) {
	if !m.armed {
		return nil, vm.ErrNotArmed
	}
	if strings.HasPrefix(string(script), "syntax error") {
		return nil, errors.New(chunkName + ":1: unexpected symbol")
	}
	return mockUnit{name: chunkName}, nil
}

func (m *mockMachine) Globals() sandbox.Namespace {
	return mockNamespace{
		"print":   "print",
		"math":    map[string]any{"floor": "floor"},
		"require": "require",
	}
}

func (m *mockMachine) Bind(u vm.Unit, env *sandbox.Environment) error {
	m.env = env
	return nil
}

func (m *mockMachine) Call(ctx context.Context, u vm.Unit) ([]any, error) {
	if m.body == nil {
		return nil, nil
	}
	return m.body(ctx, m)
}

func (m *mockMachine) MemoryUsage() int64 { return m.usage }
func (m *mockMachine) Output() string     { return m.output.String() }
func (m *mockMachine) Executed() int64    { return m.executed }

func (m *mockMachine) Disarm() {
	m.armed = false
	m.disarms++
}

func (m *mockMachine) Close() error {
	m.closed = true
	return nil
}

// step simulates n units of work, calling the hook at every interval.
func (m *mockMachine) step(n int) error {
	interval := int64(m.guards.Hook.Interval())
	for i := 0; i < n; i++ {
		m.executed++
		if m.executed%interval == 0 {
			if err := m.guards.Hook.Checkpoint(m.executed); err != nil {
				return err
			}
		}
	}
	return nil
}

// alloc grows a block through the allocator the way a VM would.
func (m *mockMachine) alloc(n int) error {
	block := m.guards.Allocator.Realloc(nil, n)
	if block == nil {
		return vm.ErrOutOfMemory
	}
	m.usage += int64(len(block))
	return nil
}

// recurse enters frames until the depth guard rejects one.
func (m *mockMachine) recurse(max int) error {
	for depth := 1; depth <= max; depth++ {
		if err := m.guards.Depth.Check(depth); err != nil {
			return err
		}
	}
	return nil
}

type mockNamespace map[string]any

func (ns mockNamespace) Lookup(name string) (sandbox.Binding, bool) {
	b, ok := ns[name]
	return b, ok
}

func (ns mockNamespace) Restrict(b sandbox.Binding, members []string) (sandbox.Binding, error) {
	table, ok := b.(map[string]any)
	if !ok {
		return nil, sandbox.ErrNotRestrictable
	}
	out := make(map[string]any, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out, nil
}
