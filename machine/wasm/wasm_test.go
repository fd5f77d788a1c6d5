package wasm_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/vmguard/governor"
	"github.com/caffeineduck/vmguard/hostfunc"
	"github.com/caffeineduck/vmguard/internal/wasmbin"
	"github.com/caffeineduck/vmguard/machine/wasm"
	"github.com/caffeineduck/vmguard/sandbox"
)

func newGovernor(t *testing.T, mopts []wasm.Option, gopts ...governor.Option) *governor.Governor {
	t.Helper()
	m, err := wasm.New(mopts...)
	if err != nil {
		t.Fatalf("wasm.New: %v", err)
	}
	g, err := governor.New(m, gopts...)
	if err != nil {
		t.Fatalf("governor.New: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func run(g *governor.Governor, module []byte, p governor.Policy) governor.Outcome {
	return g.RunScript(context.Background(), module, "guest.wasm", p)
}

func TestAnswer(t *testing.T) {
	g := newGovernor(t, nil)
	out := run(g, wasmbin.Answer(), governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if len(out.Values) != 1 || out.Values[0] != int64(42) {
		t.Errorf("Values = %v, want [42]", out.Values)
	}
	if out.Metrics.InstructionsExecuted != 1 {
		t.Errorf("InstructionsExecuted = %d, want 1 call", out.Metrics.InstructionsExecuted)
	}
}

func TestRunsAreIndependent(t *testing.T) {
	g := newGovernor(t, nil)
	for i := 0; i < 3; i++ {
		out := run(g, wasmbin.Answer(), governor.DefaultPolicy())
		if out.Kind != governor.Success || out.Values[0] != int64(42) {
			t.Fatalf("run %d: %v %v: %s", i, out.Kind, out.Values, out.Message)
		}
	}
}

func TestSpinTimesOut(t *testing.T) {
	g := newGovernor(t, nil)
	p := governor.DefaultPolicy()
	p.MaxDuration = 100 * time.Millisecond

	start := time.Now()
	out := run(g, wasmbin.Spin(), p)
	if out.Kind != governor.TimedOut {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if !out.Metrics.TimedOut {
		t.Error("TimedOut flag should be set")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %v to stop", elapsed)
	}
}

func TestRecursionOverflows(t *testing.T) {
	g := newGovernor(t, nil)
	out := run(g, wasmbin.Recurse(), governor.DefaultPolicy())
	if out.Kind != governor.StackOverflow {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Metrics.CurrentCallDepth != governor.DefaultMaxCallDepth+1 {
		t.Errorf("CurrentCallDepth = %d, want %d", out.Metrics.CurrentCallDepth, governor.DefaultMaxCallDepth+1)
	}
}

func TestDepthWithinLimit(t *testing.T) {
	g := newGovernor(t, nil)
	p := governor.DefaultPolicy()
	p.MaxCallDepth = 50

	out := run(g, wasmbin.Countdown(30), p)
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Values[0] != int64(30) {
		t.Errorf("Values = %v", out.Values)
	}
	// run, then f(30) down to f(0).
	if out.Metrics.CurrentCallDepth != 32 {
		t.Errorf("CurrentCallDepth = %d, want 32", out.Metrics.CurrentCallDepth)
	}
}

func TestGrowWithinLimit(t *testing.T) {
	g := newGovernor(t, nil)
	out := run(g, wasmbin.Grow(1), governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Values[0] != int64(1) {
		t.Errorf("memory.grow returned %v, want previous size 1", out.Values[0])
	}
	if out.Metrics.MemoryUsedBytes != 2*65536 {
		t.Errorf("MemoryUsedBytes = %d, want %d", out.Metrics.MemoryUsedBytes, 2*65536)
	}
}

func TestGrowDenied(t *testing.T) {
	g := newGovernor(t, nil)
	p := governor.DefaultPolicy()
	p.MaxMemoryBytes = 1 << 20

	out := run(g, wasmbin.Grow(64), p)
	if out.Kind != governor.MemoryExceeded {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Metrics.MemoryUsedBytes > p.MaxMemoryBytes {
		t.Errorf("MemoryUsedBytes = %d exceeds the limit", out.Metrics.MemoryUsedBytes)
	}
}

func TestInitialMemoryDenied(t *testing.T) {
	g := newGovernor(t, nil)
	p := governor.DefaultPolicy()
	p.MaxMemoryBytes = 1 << 20

	out := run(g, wasmbin.Sized(32), p)
	if out.Kind != governor.MemoryExceeded {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
}

func TestPrint(t *testing.T) {
	g := newGovernor(t, nil)

	out := run(g, wasmbin.PrintI64(-7), governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Output != "-7\n" {
		t.Errorf("Output = %q", out.Output)
	}

	out = run(g, wasmbin.Print("hello"), governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Output != "hello\n" {
		t.Errorf("Output = %q", out.Output)
	}
}

func TestImportNotAllowed(t *testing.T) {
	g := newGovernor(t, nil, governor.WithAllowList(sandbox.AllowList{"print": nil}))
	out := run(g, wasmbin.PrintI64(1), governor.DefaultPolicy())
	if out.Kind != governor.RuntimeError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Output != "" {
		t.Errorf("Output = %q, want nothing", out.Output)
	}
}

func TestHostCall(t *testing.T) {
	reg := hostfunc.NewRegistry()
	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
	reg.RegisterKV(kv)

	allow, err := sandbox.ParseAllowList([]string{"host_call.kv_set"})
	if err != nil {
		t.Fatal(err)
	}
	g := newGovernor(t, []wasm.Option{wasm.WithRegistry(reg)}, governor.WithAllowList(allow))

	out := run(g, wasmbin.HostCall(`{"fn":"kv_set","args":{"key":"a","value":1}}`, 256), governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if n, _ := out.Values[0].(int64); n != int64(len(`{"data":"ok"}`)) {
		t.Errorf("host_call returned %v", out.Values[0])
	}
	if kv.Len() != 1 {
		t.Errorf("kv.Len() = %d, want 1", kv.Len())
	}
}

func TestHostCallOutsideAllowList(t *testing.T) {
	reg := hostfunc.NewRegistry()
	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
	reg.RegisterKV(kv)

	allow, err := sandbox.ParseAllowList([]string{"host_call.kv_get"})
	if err != nil {
		t.Fatal(err)
	}
	g := newGovernor(t, []wasm.Option{wasm.WithRegistry(reg)}, governor.WithAllowList(allow))

	out := run(g, wasmbin.HostCall(`{"fn":"kv_set","args":{"key":"a","value":1}}`, 256), governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	want := len(`{"error":"unknown function: kv_set"}`)
	if n, _ := out.Values[0].(int64); n != int64(want) {
		t.Errorf("host_call returned %v, want %d", out.Values[0], want)
	}
	if kv.Len() != 0 {
		t.Error("kv_set must not run")
	}
}

func TestHostCallBufferTooSmall(t *testing.T) {
	reg := hostfunc.NewRegistry()
	reg.RegisterKV(hostfunc.NewKV(hostfunc.DefaultKVConfig()))

	g := newGovernor(t, []wasm.Option{wasm.WithRegistry(reg)},
		governor.WithAllowList(sandbox.AllowList{"host_call": nil}))

	out := run(g, wasmbin.HostCall(`{"fn":"kv_keys"}`, 2), governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if n, _ := out.Values[0].(int64); n >= 0 {
		t.Errorf("host_call returned %v, want the negated response size", out.Values[0])
	}
}

func TestTrap(t *testing.T) {
	g := newGovernor(t, nil)
	out := run(g, wasmbin.Trap(), governor.DefaultPolicy())
	if out.Kind != governor.RuntimeError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if !strings.Contains(out.Message, "unreachable") {
		t.Errorf("Message = %q", out.Message)
	}
	if strings.Contains(out.Message, "\n") {
		t.Errorf("Message should be one line: %q", out.Message)
	}
}

func TestMissingEntry(t *testing.T) {
	g := newGovernor(t, nil)
	out := run(g, wasmbin.NoEntry(), governor.DefaultPolicy())
	if out.Kind != governor.RuntimeError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if !strings.Contains(out.Message, `"run"`) {
		t.Errorf("Message = %q", out.Message)
	}
}

func TestWithEntry(t *testing.T) {
	module := wasmbin.Module{
		Types:   []wasmbin.FuncType{{Results: []byte{wasmbin.I64}}},
		Funcs:   []wasmbin.Func{{Type: 0, Body: wasmbin.I64Const(5)}},
		Exports: map[string]uint32{"main": 0},
	}.Encode()

	g := newGovernor(t, []wasm.Option{wasm.WithEntry("main")})
	out := run(g, module, governor.DefaultPolicy())
	if out.Kind != governor.Success {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Values[0] != int64(5) {
		t.Errorf("Values = %v", out.Values)
	}
}

func TestSourceRejected(t *testing.T) {
	g := newGovernor(t, nil)
	out := g.RunScript(context.Background(), []byte("return 1"), "guest", governor.DefaultPolicy())
	if out.Kind != governor.SyntaxError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
	if out.Metrics != (governor.Metrics{}) {
		t.Errorf("Metrics = %+v, want zero", out.Metrics)
	}
}

func TestCorruptModule(t *testing.T) {
	g := newGovernor(t, nil)
	out := run(g, []byte("\x00asm\x01\x00\x00\x00\xff\xff"), governor.DefaultPolicy())
	if out.Kind != governor.SyntaxError {
		t.Fatalf("Kind = %v: %s", out.Kind, out.Message)
	}
}

func TestClosedMachine(t *testing.T) {
	m, err := wasm.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	g, err := governor.New(m)
	if err != nil {
		t.Fatal(err)
	}
	out := run(g, wasmbin.Answer(), governor.DefaultPolicy())
	if out.Kind != governor.RuntimeError {
		t.Errorf("Kind = %v, want runtime error from a closed machine", out.Kind)
	}
}
