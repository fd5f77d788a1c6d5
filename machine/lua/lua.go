package lua

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/vmguard/hostfunc"
	"github.com/caffeineduck/vmguard/internal/heap"
	"github.com/caffeineduck/vmguard/sandbox"
	"github.com/caffeineduck/vmguard/vm"
)

// Signature is the header of a precompiled Lua chunk.
var Signature = []byte("\x1bLua")

const (
	registryMaxSize   = 1024 * 1024
	unlimitedCallSize = 1024 * 1024
	walkSpacing       = 8
)

// Machine runs Lua 5.1 source on gopher-lua. Every run gets a fresh LState.
//
// Memory is the footprint of what the run can reach, measured by walking its
// globals and stack, less the footprint of the sandbox at Bind. Walks are
// taken when the process has allocated enough since the last one for the run
// to possibly be over its limit, and once when the call returns.
type Machine struct {
	cfg config

	L      *lua.LState
	guards vm.Guards
	meter  *meter
	watch  *heap.Watch
	out    *vm.Output
	ctx    context.Context

	env   *lua.LTable
	chunk *lua.LFunction
	base  int64
	used  int64
	peak  int64

	// raised holds errors a script chose the message of, so they are never
	// taken for the VM's own stack overflow.
	raised map[*lua.ApiError]struct{}

	stringLib *lua.LTable
	tableLib  *lua.LTable
}

// New creates a Lua machine.
func New(opts ...Option) *Machine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Machine{
		cfg:   cfg,
		watch: heap.NewWatch(),
		out:   vm.NewOutput(cfg.outputLimit),
		ctx:   context.Background(),
	}
}

func (m *Machine) Name() string        { return "lua" }
func (m *Machine) Signature() []byte   { return Signature }
func (m *Machine) AcceptsSource() bool { return true }

// DefaultAllowList exposes the pure parts of the standard library and the
// time functions of os. Loading code, the filesystem, processes and the
// environment are not reachable.
func (m *Machine) DefaultAllowList() sandbox.AllowList {
	allow := sandbox.AllowList{
		"_G":       nil,
		"_VERSION": nil,
		"math":     nil,
		"string":   nil,
		"table":    nil,
		"os":       {"clock", "date", "difftime", "time"},
	}
	for _, name := range []string{
		"assert", "error", "ipairs", "next", "pairs", "pcall", "xpcall",
		"select", "tonumber", "tostring", "type", "unpack",
		"rawequal", "rawget", "rawset", "getmetatable", "setmetatable", "print",
	} {
		allow[name] = nil
	}
	return allow
}

// Arm opens a fresh LState wired to g.
func (m *Machine) Arm(g vm.Guards) error {
	m.Disarm()

	callStack := unlimitedCallSize
	minimize := true
	if g.Depth != nil && g.Depth.Limit() > 0 {
		callStack = g.Depth.Limit()
		minimize = false
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       callStack,
		MinimizeStackMemory: minimize,
		RegistrySize:        lua.RegistrySize,
		RegistryMaxSize:     registryMaxSize,
		RegistryGrowStep:    lua.RegistryGrowStep,
	})
	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath, lua.OpenOs} {
		open(L)
	}
	L.SetTop(0)

	m.L = L
	m.guards = g
	m.meter = newMeter(g.Hook)
	m.out.Reset()
	m.ctx = context.Background()
	m.env, m.chunk = nil, nil
	m.base, m.used, m.peak = 0, 0, 0
	m.raised = make(map[*lua.ApiError]struct{})
	m.stringLib = m.guardedString()
	m.tableLib = m.guardedTable()

	if w, ok := g.Hook.(vm.MemoryWatcher); ok && g.MemoryLimit > 0 {
		m.meter.watchMemory(func() error {
			if !m.mayExceed() {
				return nil
			}
			return w.CheckMemory()
		}, m.cfg.memoryStride)
	}

	L.SetContext(m.meter)
	m.watch.Mark()
	return nil
}

type unit struct {
	name string
	fn   *lua.LFunction
}

func (u *unit) ChunkName() string { return u.name }

func (m *Machine) Load(script []byte, chunkName string) (vm.Unit, error) {
	if m.L == nil {
		return nil, vm.ErrNotArmed
	}
	if vm.HasSignature(script, Signature) {
		return nil, fmt.Errorf("%s: %w: precompiled chunks are not supported", chunkName, vm.ErrSignature)
	}

	fn, err := m.L.Load(bytes.NewReader(script), chunkName)
	if err != nil {
		return nil, errors.New(errorMessage(err))
	}
	return &unit{name: chunkName, fn: fn}, nil
}

// Bind replaces the chunk's globals with env.
func (m *Machine) Bind(u vm.Unit, env *sandbox.Environment) error {
	lu, ok := u.(*unit)
	if !ok {
		return fmt.Errorf("unit %T does not belong to the lua machine", u)
	}

	globals := m.L.CreateTable(0, env.Len())
	for _, name := range env.Names() {
		b, _ := env.Get(name)
		switch v := b.(type) {
		case globalsRef:
			globals.RawSetString(name, globals)
		case lua.LValue:
			globals.RawSetString(name, v)
		default:
			return fmt.Errorf("binding %s: unexpected %T", name, b)
		}
	}

	// Method calls on strings go through the string metatable, which must
	// only reach the sandbox's own string table.
	if mt, ok := m.L.GetMetatable(lua.LString("")).(*lua.LTable); ok {
		mt.RawSetString("__index", globals.RawGetString("string"))
	}

	lu.fn.Env = globals
	m.env, m.chunk = globals, lu.fn
	m.base = m.footprint()
	m.watch.Mark()
	return nil
}

// Call runs the chunk and converts its return values.
func (m *Machine) Call(ctx context.Context, u vm.Unit) ([]any, error) {
	lu, ok := u.(*unit)
	if !ok {
		return nil, fmt.Errorf("unit %T does not belong to the lua machine", u)
	}
	if m.L == nil {
		return nil, vm.ErrNotArmed
	}

	m.ctx = ctx
	m.meter.parent = ctx

	L := m.L
	base := L.GetTop()
	L.Push(lu.fn)
	err := L.PCall(0, lua.MultRet, nil)
	m.measure()
	if err != nil {
		m.noteStackOverflow(err)
		return nil, errors.New(errorMessage(err))
	}

	top := L.GetTop()
	values := make([]any, 0, top-base)
	for i := base + 1; i <= top; i++ {
		values = append(values, toGo(L.Get(i)))
	}
	L.SetTop(base)
	return values, nil
}

// MemoryUsage returns the largest footprint measured this run. It measures
// again first when the last figure could be stale enough to hide a limit
// breach.
func (m *Machine) MemoryUsage() int64 {
	if m.L == nil {
		return 0
	}
	if m.mayExceed() {
		m.measure()
	}
	return m.peak
}

// mayExceed reports whether the run could be over its limit: it cannot have
// allocated more since the last walk than the whole process did. Walks are
// at least limit/walkSpacing allocated bytes apart, so a run that churns
// garbage near its limit does not walk on every check.
func (m *Machine) mayExceed() bool {
	limit := m.guards.MemoryLimit
	if limit <= 0 || m.env == nil {
		return false
	}
	return m.watch.Since() > max(limit-m.used, limit/walkSpacing)
}

func (m *Machine) measure() {
	if m.env == nil {
		return
	}
	m.used = m.footprint() - m.base
	if m.used < 0 {
		m.used = 0
	}
	if m.used > m.peak {
		m.peak = m.used
	}
	m.watch.Mark()
}

// Executed returns the number of VM instructions run since Arm.
func (m *Machine) Executed() int64 {
	if m.meter == nil {
		return 0
	}
	return m.meter.count
}

func (m *Machine) Output() string {
	return m.out.String()
}

func (m *Machine) Disarm() {
	if m.L != nil {
		m.L.Close()
		m.L = nil
	}
	m.stringLib = nil
	m.tableLib = nil
	m.env, m.chunk = nil, nil
}

func (m *Machine) Close() error {
	m.Disarm()
	return nil
}

// noteStackOverflow reports a VM call-stack overflow to the depth guard. The
// VM checks its own frame count before every push, sized to the guard's
// limit, so an overflow means the next frame would have been limit+1.
func (m *Machine) noteStackOverflow(err error) {
	if !m.isStackOverflow(err) || m.guards.Depth == nil {
		return
	}
	if derr := m.guards.Depth.Check(m.guards.Depth.Limit() + 1); derr != nil {
		m.meter.trip(derr)
	}
}

// isStackOverflow reports whether err is the VM's own overflow. Errors
// raised by error, assert or a host function never are, whatever their
// message, and neither is the value an xpcall handler returns.
func (m *Machine) isStackOverflow(err error) bool {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) || apiErr.Type != lua.ApiErrorRun {
		return false
	}
	if _, ok := m.raised[apiErr]; ok {
		return false
	}
	return strings.HasSuffix(errorMessage(err), "stack overflow")
}

// scriptRaise wraps a function that raises errors with script-chosen
// messages and records what it raises.
func (m *Machine) scriptRaise(fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		defer func() {
			if r := recover(); r != nil {
				if apiErr, ok := r.(*lua.ApiError); ok {
					m.raised[apiErr] = struct{}{}
				}
				panic(r)
			}
		}()
		return fn(L)
	}
}

func errorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

var _ vm.Machine = (*Machine)(nil)
var _ vm.Counter = (*Machine)(nil)

// registry returns the host functions this machine can expose.
func (m *Machine) registry() *hostfunc.Registry {
	return m.cfg.registry
}
