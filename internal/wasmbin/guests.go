package wasmbin

// Canned guests. Each exports its entry point as "run".

// Answer returns 42 as an i32.
func Answer() []byte {
	return Module{
		Types:   []FuncType{{Results: []byte{I32}}},
		Funcs:   []Func{{Type: 0, Body: I32Const(42)}},
		Exports: map[string]uint32{"run": 0},
	}.Encode()
}

// Spin loops forever without making a call.
func Spin() []byte {
	return Module{
		Types:   []FuncType{{}},
		Funcs:   []Func{{Type: 0, Body: []byte{OpLoop, BlockEmpty, OpBr, 0x00, OpEnd}}},
		Exports: map[string]uint32{"run": 0},
	}.Encode()
}

// Recurse calls itself until something stops it.
func Recurse() []byte {
	return Module{
		Types:   []FuncType{{}},
		Funcs:   []Func{{Type: 0, Body: Call(0)}},
		Exports: map[string]uint32{"run": 0},
	}.Encode()
}

// Countdown recurses n levels deep and returns n.
func Countdown(n int32) []byte {
	// f(x) = x == 0 ? 0 : 1 + f(x-1), written with if/else.
	body := Concat(
		[]byte{OpLocalGet, 0x00, 0x45}, // i32.eqz
		[]byte{0x04, I32},              // if (result i32)
		I32Const(0),
		[]byte{0x05}, // else
		I32Const(1),
		[]byte{OpLocalGet, 0x00},
		I32Const(1),
		[]byte{0x6b}, // i32.sub
		Call(0),
		[]byte{OpI32Add, OpEnd},
	)
	return Module{
		Types: []FuncType{
			{Params: []byte{I32}, Results: []byte{I32}},
			{Results: []byte{I32}},
		},
		Funcs: []Func{
			{Type: 0, Body: body},
			{Type: 1, Body: Concat(I32Const(n), Call(0))},
		},
		Exports: map[string]uint32{"run": 1},
	}.Encode()
}

// Grow starts with one page and asks memory.grow for pages more, returning
// what memory.grow returned.
func Grow(pages int32) []byte {
	return Module{
		Types:     []FuncType{{Results: []byte{I32}}},
		Funcs:     []Func{{Type: 0, Body: Concat(I32Const(pages), []byte{OpMemoryGrow, 0x00})}},
		HasMemory: true,
		MemoryMin: 1,
		Exports:   map[string]uint32{"run": 0},
	}.Encode()
}

// Sized declares a memory of minPages and does nothing else.
func Sized(minPages uint32) []byte {
	return Module{
		Types:     []FuncType{{}},
		Funcs:     []Func{{Type: 0}},
		HasMemory: true,
		MemoryMin: minPages,
		Exports:   map[string]uint32{"run": 0},
	}.Encode()
}

// PrintI64 imports env.print_i64 and prints v.
func PrintI64(v int64) []byte {
	return Module{
		Types:   []FuncType{{Params: []byte{I64}}, {}},
		Imports: []Import{{Module: "env", Name: "print_i64", Type: 0}},
		Funcs:   []Func{{Type: 1, Body: Concat(I64Const(v), Call(0))}},
		Exports: map[string]uint32{"run": 1},
	}.Encode()
}

// Print imports env.print and prints s from a data segment.
func Print(s string) []byte {
	return Module{
		Types:     []FuncType{{Params: []byte{I32, I32}}, {}},
		Imports:   []Import{{Module: "env", Name: "print", Type: 0}},
		Funcs:     []Func{{Type: 1, Body: Concat(I32Const(0), I32Const(int32(len(s))), Call(0))}},
		HasMemory: true,
		MemoryMin: 1,
		Exports:   map[string]uint32{"run": 1},
		Data:      []Data{{Offset: 0, Bytes: []byte(s)}},
	}.Encode()
}

// HostCall imports env.host_call, sends request (a JSON call) and returns
// the status host_call returned. The response is written at offset 4096.
func HostCall(request string, outCap int32) []byte {
	return Module{
		Types: []FuncType{
			{Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}},
			{Results: []byte{I32}},
		},
		Imports: []Import{{Module: "env", Name: "host_call", Type: 0}},
		Funcs: []Func{{Type: 1, Body: Concat(
			I32Const(0), I32Const(int32(len(request))),
			I32Const(ResponseOffset), I32Const(outCap),
			Call(0),
		)}},
		HasMemory:    true,
		MemoryMin:    1,
		ExportMemory: "memory",
		Exports:      map[string]uint32{"run": 1},
		Data:         []Data{{Offset: 0, Bytes: []byte(request)}},
	}.Encode()
}

// ResponseOffset is where HostCall guests receive responses.
const ResponseOffset = 4096

// Trap executes unreachable.
func Trap() []byte {
	return Module{
		Types:   []FuncType{{}},
		Funcs:   []Func{{Type: 0, Body: []byte{OpUnreachable}}},
		Exports: map[string]uint32{"run": 0},
	}.Encode()
}

// NoEntry exports nothing.
func NoEntry() []byte {
	return Module{
		Types: []FuncType{{}},
		Funcs: []Func{{Type: 0}},
	}.Encode()
}
