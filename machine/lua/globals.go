package lua

import (
	"math"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/vmguard/hostfunc"
	"github.com/caffeineduck/vmguard/sandbox"
	"github.com/caffeineduck/vmguard/vm"
)

const maxStringSize = math.MaxInt32

// globalsRef stands for the sandbox table itself, so _G inside a run is
// the sandbox and never the LState's real globals.
type globalsRef struct{}

// Globals returns the armed LState's default namespace, with the functions
// that need governing replaced by guarded versions.
func (m *Machine) Globals() sandbox.Namespace {
	return namespace{m: m}
}

type namespace struct {
	m *Machine
}

func (ns namespace) Lookup(name string) (sandbox.Binding, bool) {
	m := ns.m
	if m.L == nil {
		return nil, false
	}

	switch name {
	case "_G":
		return globalsRef{}, true
	case "print":
		return m.L.NewFunction(m.print), true
	case "pcall":
		return m.L.NewFunction(m.pcall), true
	case "xpcall":
		return m.L.NewFunction(m.xpcall), true
	case "error", "assert":
		if fn, ok := m.L.GetGlobal(name).(*lua.LFunction); ok && fn.IsG {
			return m.L.NewFunction(m.scriptRaise(fn.GFunction)), true
		}
		return nil, false
	case "string":
		return m.stringLib, true
	case "table":
		return m.tableLib, true
	}

	if fn, ok := m.registry().Get(name); ok {
		return m.L.NewFunction(m.hostCall(name, fn)), true
	}

	v := m.L.GetGlobal(name)
	if v == lua.LNil {
		return nil, false
	}
	return v, true
}

// Restrict copies a library table, keeping only members when given.
func (ns namespace) Restrict(b sandbox.Binding, members []string) (sandbox.Binding, error) {
	src, ok := b.(*lua.LTable)
	if !ok {
		return nil, sandbox.ErrNotRestrictable
	}

	dst := ns.m.L.NewTable()
	if members == nil {
		src.ForEach(func(k, v lua.LValue) { dst.RawSet(k, v) })
		return dst, nil
	}
	for _, name := range members {
		if v := src.RawGetString(name); v != lua.LNil {
			dst.RawSetString(name, v)
		}
	}
	return dst, nil
}

func (m *Machine) print(L *lua.LState) int {
	top := L.GetTop()
	for i := 1; i <= top; i++ {
		m.out.WriteString(L.ToStringMeta(L.Get(i)).String())
		if i != top {
			m.out.WriteString("\t")
		}
	}
	m.out.WriteString("\n")
	return 0
}

// pcall behaves like the base library's, except that a tripped limit is
// raised again instead of being handed to the script.
func (m *Machine) pcall(L *lua.LState) int {
	L.CheckAny(1)
	nargs := L.GetTop() - 1
	if err := L.PCall(nargs, lua.MultRet, nil); err != nil {
		m.rethrowLimit(L, err)
		L.Push(lua.LFalse)
		L.Push(errorObject(err))
		return 2
	}
	L.Insert(lua.LTrue, 1)
	return L.GetTop()
}

func (m *Machine) xpcall(L *lua.LState) int {
	fn := L.CheckFunction(1)
	handler := L.CheckFunction(2)

	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, handler); err != nil {
		m.rethrowLimit(L, err)
		L.Push(lua.LFalse)
		L.Push(errorObject(err))
		return 2
	}
	L.Insert(lua.LTrue, top+1)
	return L.GetTop() - top
}

func (m *Machine) rethrowLimit(L *lua.LState, err error) {
	m.noteStackOverflow(err)
	if m.meter.err != nil {
		L.RaiseError("%s", m.meter.err.Error())
	}
}

func errorObject(err error) lua.LValue {
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		return apiErr.Object
	}
	return lua.LString(err.Error())
}

// alloc reserves n bytes through the allocator slot, raising the VM's
// out-of-memory error on denial.
func (m *Machine) alloc(L *lua.LState, n int) []byte {
	if m.guards.Allocator == nil {
		return make([]byte, n)
	}
	buf := m.guards.Allocator.Realloc(nil, n)
	if buf == nil && n > 0 {
		m.meter.trip(vm.ErrOutOfMemory)
		L.RaiseError("%s", vm.ErrOutOfMemory.Error())
	}
	return buf
}

func (m *Machine) guardedString() *lua.LTable {
	lib := m.L.NewTable()
	if src, ok := m.L.GetGlobal(lua.StringLibName).(*lua.LTable); ok {
		src.ForEach(func(k, v lua.LValue) { lib.RawSet(k, v) })
	}
	lib.RawSetString("rep", m.L.NewFunction(m.strRep))
	return lib
}

func (m *Machine) guardedTable() *lua.LTable {
	lib := m.L.NewTable()
	if src, ok := m.L.GetGlobal(lua.TabLibName).(*lua.LTable); ok {
		src.ForEach(func(k, v lua.LValue) { lib.RawSet(k, v) })
	}
	lib.RawSetString("concat", m.L.NewFunction(m.tableConcat))
	return lib
}

// strRep is string.rep with its result allocated through the allocator.
func (m *Machine) strRep(L *lua.LState) int {
	s := L.CheckString(1)
	n := L.CheckInt(2)
	if n <= 0 || len(s) == 0 {
		L.Push(lua.LString(""))
		return 1
	}
	if len(s) > maxStringSize/n {
		L.RaiseError("resulting string too large")
	}

	buf := m.alloc(L, len(s)*n)
	for off := 0; off < len(buf); off += len(s) {
		copy(buf[off:], s)
	}
	L.Push(lua.LString(buf))
	return 1
}

// tableConcat is table.concat with its result allocated through the
// allocator.
func (m *Machine) tableConcat(L *lua.LState) int {
	tbl := L.CheckTable(1)
	sep := L.OptString(2, "")
	i := L.OptInt(3, 1)
	j := L.OptInt(4, tbl.Len())
	if i > j {
		L.Push(lua.LString(""))
		return 1
	}

	parts := make([]string, 0, j-i+1)
	size := 0
	for k := i; k <= j; k++ {
		v := tbl.RawGetInt(k)
		if !lua.LVCanConvToString(v) {
			L.RaiseError("invalid value (%s) at index %d in table for concat", v.Type().String(), k)
		}
		s := lua.LVAsString(v)
		parts = append(parts, s)
		size += len(s)
		if k != j {
			size += len(sep)
		}
	}

	buf := m.alloc(L, size)
	off := 0
	for k, s := range parts {
		if k > 0 {
			off += copy(buf[off:], sep)
		}
		off += copy(buf[off:], s)
	}
	L.Push(lua.LString(buf))
	return 1
}

// hostCall adapts a registry function. Scripts pass one table of named
// arguments: kv_set{key = "a", value = 1}.
func (m *Machine) hostCall(name string, fn hostfunc.Func) lua.LGFunction {
	return m.scriptRaise(func(L *lua.LState) int {
		args := map[string]any{}
		if L.GetTop() >= 1 {
			switch v := L.Get(1).(type) {
			case *lua.LTable:
				args = argsFromTable(v)
			case *lua.LNilType:
			default:
				L.ArgError(1, name+" expects a table of arguments")
			}
		}

		result, err := fn(m.ctx, args)
		if err != nil {
			L.RaiseError("%s: %v", name, err)
		}
		L.Push(toLua(L, result))
		return 1
	})
}
