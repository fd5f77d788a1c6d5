// Package wasm adapts github.com/tetratelabs/wazero to the vm.Machine
// interface.
//
// Scripts are WebAssembly binaries; source text is not accepted. A run calls
// the module's "run" export with no arguments and returns its results, i32
// and i64 as int64, f32 and f64 as float64.
//
// The guards map onto wazero like this:
//
//   - Memory: every linear memory is backed by the run's allocator through
//     experimental.MemoryAllocator. A denied memory.grow returns -1 to the
//     guest; a denied initial memory fails instantiation.
//   - Call depth and work: a function listener counts guest function calls,
//     checks the depth guard on every entry and calls the hook every sample
//     interval.
//   - Time: the run's context carries the deadline and the runtime closes
//     the module when it expires, which also stops loops that never call.
//
// Guests import host functions from the "env" module:
//
//	print(ptr, len i32)          write len bytes of memory and a newline
//	print_i64(v i64)             write v and a newline
//	print_f64(v f64)             write v and a newline
//	time_now() f64               Unix time in seconds
//	host_call(req, reqLen, out, outCap i32) i32
//
// host_call takes a JSON request {"fn": "kv_get", "args": {...}} and writes
// {"data": ...} or {"error": "..."} at out. It returns the response length,
// or minus the length if outCap is too small. Allow "host_call" for every
// registry function or "host_call.kv_get" for just one.
//
// Allowing "wasi_snapshot_preview1" links WASI with stdout captured as run
// output and no filesystem.
package wasm
