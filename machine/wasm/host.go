package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/vmguard/hostfunc"
	"github.com/caffeineduck/vmguard/sandbox"
)

// HostModule is the import module the machine's host functions live in.
const HostModule = "env"

var errNoMemory = errors.New("guest has no memory")

// hostFunc is one function of the env module; fn is passed to wazero's
// WithFunc.
type hostFunc struct {
	name string
	fn   any
}

// hostCall is the env.host_call import. It can reach only the registry
// functions in names.
type hostCall struct {
	names []string
}

// wasiImports links wasi_snapshot_preview1 with no filesystem, arguments or
// environment. Only the clocks, randomness and stdout are useful.
type wasiImports struct{}

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Globals returns what a guest may import: the env functions and, as a
// separate module, WASI.
func (m *Machine) Globals() sandbox.Namespace {
	return namespace{m: m}
}

type namespace struct {
	m *Machine
}

func (ns namespace) Lookup(name string) (sandbox.Binding, bool) {
	m := ns.m
	switch name {
	case "print":
		return hostFunc{name: name, fn: m.print}, true
	case "print_i64":
		return hostFunc{name: name, fn: m.printI64}, true
	case "print_f64":
		return hostFunc{name: name, fn: m.printF64}, true
	case "time_now":
		return hostFunc{name: name, fn: m.timeNow}, true
	case "host_call":
		return hostCall{names: m.cfg.registry.List()}, true
	case wasi_snapshot_preview1.ModuleName:
		return wasiImports{}, true
	}
	return nil, false
}

// Restrict narrows host_call to the listed registry functions.
func (ns namespace) Restrict(b sandbox.Binding, members []string) (sandbox.Binding, error) {
	hc, ok := b.(hostCall)
	if !ok {
		return nil, sandbox.ErrNotRestrictable
	}
	if members == nil {
		return hc, nil
	}
	keep := make(map[string]bool, len(members))
	for _, name := range members {
		keep[name] = true
	}
	var names []string
	for _, name := range hc.names {
		if keep[name] {
			names = append(names, name)
		}
	}
	return hostCall{names: names}, nil
}

// link instantiates the host modules env allows. A guest importing anything
// else fails to instantiate.
func (m *Machine) link(ctx context.Context) error {
	builder := m.runtime.NewHostModuleBuilder(HostModule)
	exported := 0

	for _, name := range m.env.Names() {
		binding, _ := m.env.Get(name)
		switch v := binding.(type) {
		case hostFunc:
			builder.NewFunctionBuilder().WithFunc(v.fn).Export(v.name)
			exported++
		case hostCall:
			builder.NewFunctionBuilder().WithFunc(m.hostCall(v.names)).Export("host_call")
			exported++
		case wasiImports:
			closer, err := wasi_snapshot_preview1.Instantiate(ctx, m.runtime)
			if err != nil {
				return fmt.Errorf("instantiate WASI: %w", err)
			}
			m.closers = append(m.closers, closer)
		default:
			return fmt.Errorf("binding %s: unexpected %T", name, binding)
		}
	}

	if exported == 0 {
		return nil
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", HostModule, err)
	}
	m.closers = append(m.closers, mod)
	return nil
}

func (m *Machine) print(_ context.Context, mod api.Module, ptr, size uint32) {
	mem := mod.Memory()
	if mem == nil {
		panic(errNoMemory)
	}
	b, ok := mem.Read(ptr, size)
	if !ok {
		panic(fmt.Errorf("print: range %d+%d out of bounds", ptr, size))
	}
	m.out.Write(b)
	m.out.WriteString("\n")
}

func (m *Machine) printI64(_ context.Context, v int64) {
	m.out.WriteString(strconv.FormatInt(v, 10) + "\n")
}

func (m *Machine) printF64(_ context.Context, v float64) {
	m.out.WriteString(strconv.FormatFloat(v, 'g', -1, 64) + "\n")
}

func (m *Machine) timeNow(ctx context.Context) float64 {
	v, _ := hostfunc.TimeNow(ctx, nil)
	f, _ := v.(float64)
	return f
}

// hostCall reads a JSON request {"fn": ..., "args": {...}} from guest memory
// and writes the JSON response at outPtr. It returns the response length, or
// minus the length when outCap is too small; the guest retries with a bigger
// buffer.
func (m *Machine) hostCall(names []string) func(ctx context.Context, mod api.Module, reqPtr, reqLen, outPtr, outCap uint32) int32 {
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[name] = true
	}

	return func(ctx context.Context, mod api.Module, reqPtr, reqLen, outPtr, outCap uint32) int32 {
		mem := mod.Memory()
		if mem == nil {
			panic(errNoMemory)
		}
		raw, ok := mem.Read(reqPtr, reqLen)
		if !ok {
			panic(fmt.Errorf("host_call: request %d+%d out of bounds", reqPtr, reqLen))
		}

		data, err := json.Marshal(m.dispatch(ctx, allowed, raw))
		if err != nil {
			data, _ = json.Marshal(callResponse{Error: "encode result: " + err.Error()})
		}
		if uint32(len(data)) > outCap {
			return -int32(len(data))
		}
		if !mem.Write(outPtr, data) {
			panic(fmt.Errorf("host_call: response %d+%d out of bounds", outPtr, len(data)))
		}
		return int32(len(data))
	}
}

func (m *Machine) dispatch(ctx context.Context, allowed map[string]bool, raw []byte) callResponse {
	var req callRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return callResponse{Error: "invalid call format"}
	}
	if !allowed[req.Fn] {
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	result, err := m.cfg.registry.Call(ctx, req.Fn, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}
