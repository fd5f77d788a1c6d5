package lua

import (
	"unsafe"

	lua "github.com/yuin/gopher-lua"
)

// Approximate Go-heap sizes of Lua values on gopher-lua.
const (
	valueSize    = 16 // an LValue interface word pair
	numberSize   = 8  // a boxed float64
	entrySize    = 48 // a hash slot: key, value and bucket overhead
	tableSize    = 96
	funcSize     = 80
	upvalueSize  = 48
	userDataSize = 48
	threadSize   = 4096

	// Strings shorter than this are counted every time they are seen.
	internMin = 64

	maxLocals = 256
	// GetStack walks from the top frame, so deeper frames are not visited.
	maxFrames = 1024
)

// footprint adds up the bytes reachable from a set of roots. Tables,
// functions and long strings are counted once however many references
// lead to them.
type footprint struct {
	seen    map[any]struct{}
	strings map[*byte]struct{}
	work    []lua.LValue
	bytes   int64
}

func newFootprint() *footprint {
	return &footprint{
		seen:    make(map[any]struct{}),
		strings: make(map[*byte]struct{}),
	}
}

func (f *footprint) add(v lua.LValue) {
	if v != nil {
		f.work = append(f.work, v)
	}
}

func (f *footprint) total() int64 {
	for len(f.work) > 0 {
		v := f.work[len(f.work)-1]
		f.work = f.work[:len(f.work)-1]
		f.visit(v)
	}
	return f.bytes
}

func (f *footprint) once(key any) bool {
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}

func (f *footprint) visit(v lua.LValue) {
	switch v := v.(type) {
	case lua.LString:
		f.bytes += valueSize
		if len(v) >= internMin {
			p := unsafe.StringData(string(v))
			if _, ok := f.strings[p]; ok {
				return
			}
			f.strings[p] = struct{}{}
		}
		f.bytes += int64(len(v))
	case lua.LNumber:
		f.bytes += numberSize
	case *lua.LTable:
		if !f.once(v) {
			return
		}
		array := v.MaxN()
		entries := 0
		v.ForEach(func(k, val lua.LValue) {
			entries++
			// Array slots store no key.
			if n, ok := k.(lua.LNumber); !ok || n < 1 || int(n) > array || float64(n) != float64(int(n)) {
				f.add(k)
			}
			f.add(val)
		})
		hash := entries - array
		if hash < 0 {
			hash = 0
		}
		f.bytes += tableSize + int64(array)*valueSize + int64(hash)*entrySize
		f.add(v.Metatable)
	case *lua.LFunction:
		if !f.once(v) {
			return
		}
		f.bytes += funcSize + int64(len(v.Upvalues))*upvalueSize
		for _, uv := range v.Upvalues {
			if uv != nil {
				f.add(uv.Value())
			}
		}
		if v.Env != nil {
			f.add(v.Env)
		}
		if !v.IsG {
			f.proto(v.Proto)
		}
	case *lua.LUserData:
		if !f.once(v) {
			return
		}
		f.bytes += userDataSize
		f.add(v.Metatable)
	case *lua.LState:
		if f.once(v) {
			f.bytes += threadSize
		}
	}
}

func (f *footprint) proto(p *lua.FunctionProto) {
	if p == nil || !f.once(p) {
		return
	}
	f.bytes += int64(len(p.Code))*4 + int64(len(p.Constants))*valueSize
	for _, c := range p.Constants {
		if s, ok := c.(lua.LString); ok {
			f.bytes += int64(len(s))
		}
	}
	for _, child := range p.FunctionPrototypes {
		f.proto(child)
	}
}

// footprint walks what the run can still reach: the sandbox globals, the
// chunk, the locals of every active frame and the values on the stack.
func (m *Machine) footprint() int64 {
	f := newFootprint()
	if m.env != nil {
		f.add(m.env)
	}
	if m.chunk != nil {
		f.add(m.chunk)
	}

	L := m.L
	for level := 0; level < maxFrames; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			break
		}
		for no := 1; no <= maxLocals; no++ {
			name, v := L.GetLocal(dbg, no)
			if name == "" {
				break
			}
			f.add(v)
		}
	}
	for i := 1; i <= L.GetTop(); i++ {
		f.add(L.Get(i))
	}
	return f.total()
}
