package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// listener drives the hook and the depth guard from guest function entries.
// wazero has no per-instruction callback, so a guest function call is the
// unit of work the hook counts; loops that never call are stopped by the
// deadline instead.
type listener struct {
	m *Machine
}

func (l *listener) factory() experimental.FunctionListenerFactory {
	return experimental.FunctionListenerFactoryFunc(func(api.FunctionDefinition) experimental.FunctionListener {
		return l
	})
}

// Before panics with the guard's error; wazero turns the panic into the
// call's error and unwinds the guest.
func (l *listener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	m := l.m
	m.executed++
	m.depth++

	if d := m.guards.Depth; d != nil {
		if err := d.Check(m.depth); err != nil {
			panic(err)
		}
	}
	if h := m.guards.Hook; h != nil && m.executed%m.interval == 0 {
		if err := h.Checkpoint(m.executed); err != nil {
			panic(err)
		}
	}
}

func (l *listener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {
	l.m.depth--
}

func (l *listener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {
	l.m.depth--
}
