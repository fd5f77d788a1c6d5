// Package hostfunc provides host functions that governed scripts may call.
//
// Host functions are Go functions reachable from inside a sandbox. A script
// sees one only when its name is on the run's allow-list; the registry alone
// grants nothing.
//
// # Registry
//
// The [Registry] manages available host functions:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//
// Lua scripts call registered functions with a single table argument:
//
//	kv_set{key = "visits", value = 1}
//
// Wasm modules reach them through the host_call import, which carries the
// name and a JSON-encoded argument object.
//
// # Key-Value Store
//
// In-memory storage via [KV] and [KVConfig]:
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	registry.RegisterKV(kv)
//
// Host functions run on the script's goroutine and do not reach a
// preemption checkpoint while they execute. Keep them short.
package hostfunc
