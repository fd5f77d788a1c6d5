// Package sandbox builds the restricted global namespace a governed script
// runs in.
//
// A machine publishes its default global namespace through [Namespace]. An
// [AllowList] names what a script may reach; [Build] copies exactly those
// bindings into a fresh [Environment]. Nothing else is reachable: a name that
// is not allow-listed is absent, not stubbed.
//
//	allow, _ := sandbox.ParseAllowList([]string{"print", "math", "os.time"})
//	env, err := sandbox.Build(machine.Globals(), allow)
//
// The allow-list is plain data so hosts can tighten or loosen it from
// configuration without touching the machines.
package sandbox
