// Package governor runs untrusted scripts under hard ceilings on wall-clock
// time, memory and call depth.
//
// A [Governor] owns one [vm.Machine]. Each [Governor.RunScript] call resets a
// fresh [Metrics] record, arms the machine with an [Allocator], a [Hook] and a
// [DepthGuard] bound to that record, loads the script, builds a sandbox from
// the allow-list and invokes it:
//
//	g, err := governor.New(lua.New())
//	if err != nil {
//	    return err
//	}
//	defer g.Close()
//
//	out := g.RunScript(ctx, []byte("return 1 + 1"), "example", governor.DefaultPolicy())
//	if err := out.Err(); err != nil {
//	    fmt.Print(out.Diagnostic())
//	}
//
// # Outcomes
//
// Every run ends in exactly one [Kind]. When a limit trips the machine raises
// a VM fault that unwinds the script; the governor then reports the tripped
// limit rather than the fault. When more than one limit tripped, the kind is
// picked by precedence, TimedOut before MemoryExceeded before StackOverflow
// unless [WithPrecedence] says otherwise.
//
// # Concurrency
//
// Runs on one governor are serialized. For parallel runs use one governor per
// machine (see package pool). Metrics are never shared between governors.
//
// Checkpoints only fire while the VM is executing script code. A host
// function that blocks delays preemption until it returns.
package governor
