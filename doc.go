// Package vmguard runs untrusted Lua scripts and WebAssembly modules under
// hard resource limits.
//
// # Overview
//
// Every run is bounded in wall-clock time, memory and call depth, and sees
// only the globals its allow-list names. A limit that trips stops the run and
// the outcome says which one, together with the metrics collected up to that
// point. Nothing leaks from one run to the next.
//
// # Basic Usage
//
//	g, _ := governor.New(lua.New())
//	defer g.Close()
//
//	out := g.RunScript(ctx, []byte(`return 1 + 1`), "add", governor.DefaultPolicy())
//	fmt.Println(out.Kind, out.Values) // success [2]
//
//	// A runaway script is stopped and classified
//	p := governor.DefaultPolicy()
//	p.MaxDuration = 100 * time.Millisecond
//	out = g.RunScript(ctx, []byte(`while true do end`), "spin", p)
//	fmt.Println(out.Kind) // timed_out
//
// # Capabilities
//
//	// Key-value store, visible to scripts as kv_get/kv_set
//	registry := hostfunc.NewRegistry()
//	registry.RegisterKV(hostfunc.NewKV(hostfunc.DefaultKVConfig()))
//	m := lua.New(lua.WithRegistry(registry))
//	g, _ := governor.New(m, governor.WithAllowList(
//	    m.DefaultAllowList().Merge(sandbox.AllowList{"kv_get": nil, "kv_set": nil})))
//
// # Parallel runs
//
// A governor runs one script at a time. The [pool] package owns several and
// hands them out to concurrent callers.
//
// See the [governor], [sandbox], [machine/lua], [machine/wasm] and [pool]
// packages for detailed API documentation.
package vmguard
