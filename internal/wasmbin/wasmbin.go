// Package wasmbin encodes small WebAssembly modules by hand. Tests use it to
// build guests with exact shapes: infinite loops, unbounded recursion, memory
// growth and host imports.
package wasmbin

import "sort"

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
	F32 byte = 0x7d
	F64 byte = 0x7c
)

// Opcodes used by the tests.
const (
	OpUnreachable byte = 0x00
	OpLoop        byte = 0x03
	OpEnd         byte = 0x0b
	OpBr          byte = 0x0c
	OpDrop        byte = 0x1a
	OpCall        byte = 0x10
	OpLocalGet    byte = 0x20
	OpMemoryGrow  byte = 0x40
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpF64Const    byte = 0x44
	OpI32Add      byte = 0x6a
	BlockEmpty    byte = 0x40
)

// FuncType is a function signature.
type FuncType struct {
	Params, Results []byte
}

// Import is a function import.
type Import struct {
	Module, Name string
	Type         uint32
}

// Func is a module-defined function. Body is the instruction stream without
// the trailing end.
type Func struct {
	Type   uint32
	Locals []byte
	Body   []byte
}

// Data is an active data segment in memory 0.
type Data struct {
	Offset int32
	Bytes  []byte
}

// Module describes a module. Function indices count imports first.
type Module struct {
	Types   []FuncType
	Imports []Import
	Funcs   []Func
	// Memory declares memory 0 with MemoryMin pages when HasMemory is set.
	HasMemory bool
	MemoryMin uint32
	MemoryMax *uint32
	// Exports maps export names to function indices.
	Exports      map[string]uint32
	ExportMemory string
	Data         []Data
}

// Encode returns the binary form of m.
func (m Module) Encode() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	if len(m.Types) > 0 {
		items := make([][]byte, len(m.Types))
		for i, t := range m.Types {
			b := []byte{0x60}
			b = append(b, Uleb(uint64(len(t.Params)))...)
			b = append(b, t.Params...)
			b = append(b, Uleb(uint64(len(t.Results)))...)
			b = append(b, t.Results...)
			items[i] = b
		}
		out = append(out, section(1, vec(items))...)
	}

	if len(m.Imports) > 0 {
		items := make([][]byte, len(m.Imports))
		for i, imp := range m.Imports {
			b := name(imp.Module)
			b = append(b, name(imp.Name)...)
			b = append(b, 0x00)
			b = append(b, Uleb(uint64(imp.Type))...)
			items[i] = b
		}
		out = append(out, section(2, vec(items))...)
	}

	if len(m.Funcs) > 0 {
		items := make([][]byte, len(m.Funcs))
		for i, f := range m.Funcs {
			items[i] = Uleb(uint64(f.Type))
		}
		out = append(out, section(3, vec(items))...)
	}

	if m.HasMemory {
		var limits []byte
		if m.MemoryMax != nil {
			limits = append([]byte{0x01}, Uleb(uint64(m.MemoryMin))...)
			limits = append(limits, Uleb(uint64(*m.MemoryMax))...)
		} else {
			limits = append([]byte{0x00}, Uleb(uint64(m.MemoryMin))...)
		}
		out = append(out, section(5, vec([][]byte{limits}))...)
	}

	var exports [][]byte
	for _, n := range sortedKeys(m.Exports) {
		b := name(n)
		b = append(b, 0x00)
		b = append(b, Uleb(uint64(m.Exports[n]))...)
		exports = append(exports, b)
	}
	if m.ExportMemory != "" {
		b := name(m.ExportMemory)
		b = append(b, 0x02, 0x00)
		exports = append(exports, b)
	}
	if len(exports) > 0 {
		out = append(out, section(7, vec(exports))...)
	}

	if len(m.Funcs) > 0 {
		items := make([][]byte, len(m.Funcs))
		for i, f := range m.Funcs {
			var body []byte
			if len(f.Locals) == 0 {
				body = []byte{0x00}
			} else {
				body = Uleb(uint64(len(f.Locals)))
				for _, t := range f.Locals {
					body = append(body, 0x01, t)
				}
			}
			body = append(body, f.Body...)
			body = append(body, OpEnd)
			items[i] = append(Uleb(uint64(len(body))), body...)
		}
		out = append(out, section(10, vec(items))...)
	}

	if len(m.Data) > 0 {
		items := make([][]byte, len(m.Data))
		for i, d := range m.Data {
			b := []byte{0x00, OpI32Const}
			b = append(b, Sleb(int64(d.Offset))...)
			b = append(b, OpEnd)
			b = append(b, Uleb(uint64(len(d.Bytes)))...)
			b = append(b, d.Bytes...)
			items[i] = b
		}
		out = append(out, section(11, vec(items))...)
	}

	return out
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{OpI32Const}, Sleb(int64(v))...)
}

// I64Const encodes i64.const v.
func I64Const(v int64) []byte {
	return append([]byte{OpI64Const}, Sleb(v)...)
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return append([]byte{OpCall}, Uleb(uint64(idx))...)
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func Uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func Sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, Uleb(uint64(len(content)))...)
	return append(out, content...)
}

func vec(items [][]byte) []byte {
	out := Uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(Uleb(uint64(len(s))), s...)
}

func sortedKeys(m map[string]uint32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
