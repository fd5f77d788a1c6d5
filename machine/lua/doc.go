// Package lua adapts github.com/yuin/gopher-lua to the vm.Machine interface.
//
// gopher-lua has no allocator or instruction hook of its own, so the machine
// builds them from what it does have:
//
//   - Instruction counting: the LState's context is consulted before every
//     instruction. The machine installs a context that counts and calls the
//     hook every sample interval; once a limit trips, the context reports done
//     and the VM raises the limit as a Lua error at every instruction after.
//   - Call depth: the VM's own frame check runs before each frame push. Its
//     size is set to the depth limit and an overflow is reported to the guard.
//   - Memory: string.rep and table.concat allocate through the allocator.
//     Everything else is caught by the hook, which samples the Go heap growth
//     since the run was armed.
//
// Scripts cannot swallow a tripped limit: the sandbox's pcall and xpcall
// raise it again.
//
// Precompiled chunks are rejected; gopher-lua only loads source.
package lua
