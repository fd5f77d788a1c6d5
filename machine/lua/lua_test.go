package lua_test

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/vmguard/governor"
	"github.com/caffeineduck/vmguard/hostfunc"
	"github.com/caffeineduck/vmguard/machine/lua"
	"github.com/caffeineduck/vmguard/sandbox"
)

func newGovernor(t *testing.T, opts ...governor.Option) *governor.Governor {
	t.Helper()
	g, err := governor.New(lua.New(), opts...)
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func run(t *testing.T, g *governor.Governor, script string, p governor.Policy) governor.Outcome {
	t.Helper()
	return g.RunScript(context.Background(), []byte(script), "test", p)
}

func TestReturnValues(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `return 1 + 1, "a", {1, 2}, {k = true}, nil`, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	want := []any{2.0, "a", []any{1.0, 2.0}, map[string]any{"k": true}, nil}
	if !reflect.DeepEqual(out.Values, want) {
		t.Errorf("Values = %#v, want %#v", out.Values, want)
	}
	if out.Metrics.InstructionsExecuted == 0 {
		t.Error("InstructionsExecuted should be counted")
	}
}

func TestPrintOutput(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `print("hello", 1, true) print("again")`, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if want := "hello\t1\ttrue\nagain\n"; out.Output != want {
		t.Errorf("Output = %q, want %q", out.Output, want)
	}
}

func TestOutputResetBetweenRuns(t *testing.T) {
	g := newGovernor(t)
	run(t, g, `print("first")`, governor.DefaultPolicy())
	out := run(t, g, `print("second")`, governor.DefaultPolicy())
	if out.Output != "second\n" {
		t.Errorf("Output = %q", out.Output)
	}
}

func TestOutputLimit(t *testing.T) {
	g, err := governor.New(lua.New(lua.WithOutputLimit(4)))
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	out := g.RunScript(context.Background(), []byte(`print("abcdefgh")`), "test", governor.DefaultPolicy())
	if !strings.HasPrefix(out.Output, "abcd\n[output truncated]") {
		t.Errorf("Output = %q", out.Output)
	}
}

func TestSandboxHidesDangerousGlobals(t *testing.T) {
	g := newGovernor(t)
	for _, name := range []string{
		"io", "require", "load", "loadstring", "dofile", "loadfile",
		"getfenv", "setfenv", "module", "newproxy", "collectgarbage", "debug",
	} {
		t.Run(name, func(t *testing.T) {
			out := run(t, g, "return "+name+" == nil", governor.DefaultPolicy())
			if out.Kind != governor.Success {
				t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
			}
			if out.Values[0] != true {
				t.Errorf("%s is reachable from the sandbox", name)
			}
		})
	}
}

func TestSandboxRestrictsOS(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `return os.execute == nil, os.exit == nil, os.getenv == nil, type(os.time)`, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	want := []any{true, true, true, "function"}
	if !reflect.DeepEqual(out.Values, want) {
		t.Errorf("Values = %v, want %v", out.Values, want)
	}
}

func TestGlobalTableIsSandbox(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `x = 42 return _G.x, rawget(_G, "io"), _G == _G._G`, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	want := []any{42.0, nil, true}
	if !reflect.DeepEqual(out.Values, want) {
		t.Errorf("Values = %v, want %v", out.Values, want)
	}
}

func TestGlobalsDoNotLeakBetweenRuns(t *testing.T) {
	g := newGovernor(t)
	run(t, g, `leaked = "yes" string.extra = 1`, governor.DefaultPolicy())
	out := run(t, g, `return leaked, string.extra`, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Values[0] != nil || out.Values[1] != nil {
		t.Errorf("Values = %v, want nothing from the previous run", out.Values)
	}
}

func TestStringMethods(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `local s = "ab" return s:rep(3), s:upper(), ("x"):len()`, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	want := []any{"ababab", "AB", 1.0}
	if !reflect.DeepEqual(out.Values, want) {
		t.Errorf("Values = %v, want %v", out.Values, want)
	}
}

func TestTableConcat(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `return table.concat({"a", "b", 3}, ", "), table.concat({}, "x"), table.concat({1, 2, 3}, "-", 2, 3)`, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	want := []any{"a, b, 3", "", "2-3"}
	if !reflect.DeepEqual(out.Values, want) {
		t.Errorf("Values = %v, want %v", out.Values, want)
	}
}

func TestStringRepDenied(t *testing.T) {
	g := newGovernor(t)
	p := governor.DefaultPolicy()
	p.MaxMemoryBytes = 1 << 20

	out := run(t, g, `return string.rep("x", 10 * 1024 * 1024)`, p)
	if out.Kind != governor.MemoryExceeded {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if !out.Metrics.MemoryExceeded {
		t.Error("MemoryExceeded flag should be set")
	}
}

func TestStringRepDeniedInsidePcall(t *testing.T) {
	g := newGovernor(t)
	p := governor.DefaultPolicy()
	p.MaxMemoryBytes = 1 << 20

	out := run(t, g, `
		local ok = pcall(string.rep, "x", 10 * 1024 * 1024)
		return "survived"
	`, p)
	if out.Kind != governor.MemoryExceeded {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
}

func TestPcallCatchesOrdinaryErrors(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `
		local ok, err = pcall(error, "boom", 0)
		local ok2, v = pcall(function(a) return a * 2 end, 21)
		local ok3, h = xpcall(function() error("bad") end, function(e) return "handled" end)
		return ok, err, ok2, v, ok3, h
	`, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	want := []any{false, "boom", true, 42.0, false, "handled"}
	if !reflect.DeepEqual(out.Values, want) {
		t.Errorf("Values = %v, want %v", out.Values, want)
	}
}

func TestPcallCannotSwallowTimeout(t *testing.T) {
	g := newGovernor(t)
	p := governor.DefaultPolicy()
	p.MaxDuration = 50 * time.Millisecond

	out := run(t, g, `
		while true do
			pcall(function() while true do end end)
		end
	`, p)
	if out.Kind != governor.TimedOut {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
}

func TestPcallCannotSwallowStackOverflow(t *testing.T) {
	g := newGovernor(t)
	p := governor.DefaultPolicy()
	p.MaxCallDepth = 20

	out := run(t, g, `
		local function f() return 1 + f() end
		local ok = pcall(f)
		return "survived"
	`, p)
	if out.Kind != governor.StackOverflow {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Metrics.CurrentCallDepth != 21 {
		t.Errorf("CurrentCallDepth = %d, want 21", out.Metrics.CurrentCallDepth)
	}
}

func TestDepthWithinLimit(t *testing.T) {
	g := newGovernor(t)
	p := governor.DefaultPolicy()
	p.MaxCallDepth = 50

	out := run(t, g, `
		local function f(n) if n == 0 then return 0 end return 1 + f(n - 1) end
		return f(30)
	`, p)
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Values[0] != 30.0 {
		t.Errorf("Values = %v", out.Values)
	}
}

func TestPrecompiledChunkRejected(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, "\x1bLua\x51\x00", governor.DefaultPolicy())
	if out.Kind != governor.SyntaxError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Metrics != (governor.Metrics{}) {
		t.Errorf("Metrics = %+v, want zero", out.Metrics)
	}
}

func TestSyntaxError(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `return 1 +`, governor.DefaultPolicy())
	if out.Kind != governor.SyntaxError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Message == "" {
		t.Error("Message should describe the syntax error")
	}
}

func TestRuntimeError(t *testing.T) {
	g := newGovernor(t)
	out := run(t, g, `error("boom")`, governor.DefaultPolicy())
	if out.Kind != governor.RuntimeError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if !strings.Contains(out.Message, "boom") {
		t.Errorf("Message = %q", out.Message)
	}
	if strings.Contains(out.Message, "stack traceback") {
		t.Errorf("Message should not carry a traceback: %q", out.Message)
	}
}

func TestHostFunctions(t *testing.T) {
	reg := hostfunc.NewRegistry()
	reg.RegisterKV(hostfunc.NewKV(hostfunc.DefaultKVConfig()))

	allow := lua.New().DefaultAllowList().Merge(sandbox.AllowList{"kv_set": nil, "kv_get": nil})
	g, err := governor.New(lua.New(lua.WithRegistry(reg)), governor.WithAllowList(allow))
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	out := g.RunScript(context.Background(), []byte(`
		kv_set{key = "greeting", value = "hi"}
		return kv_get{key = "greeting"}, kv_get{key = "missing", default = 7}, kv_keys == nil
	`), "test", governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	want := []any{"hi", 7.0, true}
	if !reflect.DeepEqual(out.Values, want) {
		t.Errorf("Values = %v, want %v", out.Values, want)
	}
}

func TestHostFunctionError(t *testing.T) {
	reg := hostfunc.NewRegistry()
	reg.RegisterKV(hostfunc.NewKV(hostfunc.DefaultKVConfig()))

	allow := lua.New().DefaultAllowList().Merge(sandbox.AllowList{"kv_set": nil})
	g, err := governor.New(lua.New(lua.WithRegistry(reg)), governor.WithAllowList(allow))
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	out := g.RunScript(context.Background(), []byte(`kv_set{value = 1}`), "test", governor.DefaultPolicy())
	if out.Kind != governor.RuntimeError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if !strings.Contains(out.Message, "kv_set") {
		t.Errorf("Message = %q", out.Message)
	}
}

func TestValidate(t *testing.T) {
	g := newGovernor(t)
	if err := g.Validate([]byte(`return 1`), "ok"); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
	if err := g.Validate([]byte(`return (`), "bad"); err == nil {
		t.Error("Validate(invalid) should fail")
	}
}

// Growth the allocator never sees is still caught, close to the limit and
// well before the next sample.
func TestMemoryGrowthBetweenSamples(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		limit    int64
		interval int
	}{
		{
			name:     "string doubling",
			script:   `local s = "x" for i = 1, 40 do s = s .. s end return #s`,
			limit:    8 << 20,
			interval: governor.DefaultSampleInterval,
		},
		{
			name:     "table growth within one sample",
			script:   `local t = {} for i = 1, 1e7 do t[i] = i end return #t`,
			limit:    1 << 20,
			interval: 1 << 30,
		},
		{
			name:     "distinct strings",
			script:   `local t = {} local s = string.rep("x", 1024) for i = 1, 1e6 do t[#t + 1] = s .. i end return #t`,
			limit:    2 << 20,
			interval: 1 << 30,
		},
		{
			name:     "global table",
			script:   `big = {} for i = 1, 1e7 do big[i] = {i} end`,
			limit:    4 << 20,
			interval: 1 << 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGovernor(t)
			p := governor.DefaultPolicy()
			p.MaxDuration = 30 * time.Second
			p.MaxMemoryBytes = tt.limit
			p.SampleInterval = tt.interval

			out := run(t, g, tt.script, p)
			if out.Kind != governor.MemoryExceeded {
				t.Fatalf("Kind = %v: %s (memory %d)", out.Kind, out.Message, out.Metrics.MemoryUsedBytes)
			}
			if !out.Metrics.MemoryExceeded || out.Values != nil {
				t.Errorf("metrics = %+v, values = %v", out.Metrics, out.Values)
			}
			if out.Metrics.MemoryUsedBytes <= tt.limit {
				t.Errorf("MemoryUsedBytes = %d, want past the %d limit", out.Metrics.MemoryUsedBytes, tt.limit)
			}
			if out.Metrics.MemoryUsedBytes > 64*tt.limit {
				t.Errorf("MemoryUsedBytes = %d, the run got far past its %d limit", out.Metrics.MemoryUsedBytes, tt.limit)
			}
		})
	}
}

func TestMemoryWithinLimit(t *testing.T) {
	g := newGovernor(t)
	p := governor.DefaultPolicy()
	p.MaxMemoryBytes = 8 << 20

	out := run(t, g, `
		local t = {}
		for i = 1, 1000 do t[i] = tostring(i) end
		local s = "x"
		for i = 1, 16 do s = s .. s end
		return s, t
	`, p)
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if len(out.Values) != 2 {
		t.Fatalf("Values = %d values", len(out.Values))
	}
	if s, ok := out.Values[0].(string); !ok || len(s) != 65536 {
		t.Errorf("first value is not the 64 KiB string")
	}
	if list, ok := out.Values[1].([]any); !ok || len(list) != 1000 {
		t.Errorf("second value is not the table")
	}
	if used := out.Metrics.MemoryUsedBytes; used < 65536 || used > 1<<20 {
		t.Errorf("MemoryUsedBytes = %d, want the 64 KiB string and the table", used)
	}
}

// Allocation by other goroutines never counts against a run.
func TestMemoryIgnoresOtherGoroutines(t *testing.T) {
	g := newGovernor(t)
	p := governor.DefaultPolicy()
	p.MaxMemoryBytes = 16 << 20

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var held [][]byte
		for {
			select {
			case <-stop:
				return
			default:
			}
			held = append(held, make([]byte, 1<<20))
			if len(held) == 64 {
				held = nil
			}
			time.Sleep(time.Millisecond)
		}
	}()

	out := run(t, g, `local x = 0 for i = 1, 5e5 do x = x + i end return x`, p)
	close(stop)
	wg.Wait()

	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s (memory %d)", out.Kind, out.Message, out.Metrics.MemoryUsedBytes)
	}
	if out.Metrics.MemoryUsedBytes > 1<<20 {
		t.Errorf("MemoryUsedBytes = %d, another goroutine's allocations were counted", out.Metrics.MemoryUsedBytes)
	}
}

// Only the VM's own overflow is a stack overflow. An error a script raises
// is a runtime error whatever its message says.
func TestScriptErrorsCannotImitateLimits(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   governor.Kind
	}{
		{"error", `error("stack overflow")`, governor.RuntimeError},
		{"error without position", `error("stack overflow", 0)`, governor.RuntimeError},
		{"assert", `assert(false, "stack overflow")`, governor.RuntimeError},
		{"rethrown from pcall", `local ok, e = pcall(error, "stack overflow") error(e, 0)`, governor.RuntimeError},
		{"caught by pcall", `local ok, e = pcall(error, "stack overflow") return ok`, governor.Success},
		{"pcall of a raising function", `return pcall(function() error("stack overflow") end)`, governor.Success},
		{"xpcall handler", `return xpcall(function() error("x") end, function() return "stack overflow" end)`, governor.Success},
		{"memory message", `error("script exceeded memory limit of 1 bytes")`, governor.RuntimeError},
		{"time message", `error("script exceeded time limit of 1ms")`, governor.RuntimeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGovernor(t)
			out := run(t, g, tt.script, governor.DefaultPolicy())
			if out.Kind != tt.want {
				t.Fatalf("Kind = %v, want %v: %s", out.Kind, tt.want, out.Message)
			}
			if out.Metrics.Limited() || out.Metrics.CurrentCallDepth != 0 {
				t.Errorf("metrics = %+v", out.Metrics)
			}
			if tt.want == governor.Success && (len(out.Values) == 0 || out.Values[0] != false) {
				t.Errorf("Values = %v, want the error handed to the script", out.Values)
			}
		})
	}
}

// A real overflow is still reported after the script has raised errors that
// look like one.
func TestStackOverflowAfterImitation(t *testing.T) {
	g := newGovernor(t)
	p := governor.DefaultPolicy()
	p.MaxCallDepth = 20

	out := run(t, g, `
		pcall(error, "stack overflow")
		local function f() return 1 + f() end
		return f()
	`, p)
	if out.Kind != governor.StackOverflow {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Metrics.CurrentCallDepth != 21 {
		t.Errorf("CurrentCallDepth = %d, want 21", out.Metrics.CurrentCallDepth)
	}
}
