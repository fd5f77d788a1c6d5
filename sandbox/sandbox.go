package sandbox

import (
	"errors"
	"fmt"
	"sort"
)

// Binding is an opaque reference into a VM's global namespace. Only the
// machine that produced it knows how to use it.
type Binding any

// Namespace is the read side of a VM's default global namespace.
type Namespace interface {
	// Lookup returns the binding registered under name, or false when the VM
	// has nothing by that name.
	Lookup(name string) (Binding, bool)

	// Restrict returns a fresh copy of b holding only the listed members.
	// A nil members slice copies every member. Bindings that have no
	// members (functions, numbers) are returned unchanged when members is
	// nil and rejected otherwise.
	Restrict(b Binding, members []string) (Binding, error)
}

var ErrNotRestrictable = errors.New("binding has no members to restrict")

// Environment is the global namespace visible to one run.
type Environment struct {
	bindings map[string]Binding
	missing  []string
}

// Get returns the binding for name. Absence is the enforcement mechanism:
// anything not allow-listed simply is not here.
func (e *Environment) Get(name string) (Binding, bool) {
	if e == nil {
		return nil, false
	}
	b, ok := e.bindings[name]
	return b, ok
}

// Names returns the bound names in sorted order.
func (e *Environment) Names() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.bindings))
	for name := range e.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of bound names.
func (e *Environment) Len() int {
	if e == nil {
		return 0
	}
	return len(e.bindings)
}

// Missing lists allow-listed names the VM did not provide.
func (e *Environment) Missing() []string {
	if e == nil {
		return nil
	}
	return e.missing
}

// Build constructs a fresh environment holding only the names in allow that
// exist in ns. Tables are always copied so a run can never mutate the VM's
// shared library tables.
func Build(ns Namespace, allow AllowList) (*Environment, error) {
	env := &Environment{bindings: make(map[string]Binding, len(allow))}

	for _, name := range allow.Names() {
		b, ok := ns.Lookup(name)
		if !ok {
			env.missing = append(env.missing, name)
			continue
		}

		members := allow[name]
		restricted, err := ns.Restrict(b, members)
		if err != nil {
			if errors.Is(err, ErrNotRestrictable) && len(members) == 0 {
				env.bindings[name] = b
				continue
			}
			return nil, fmt.Errorf("restrict %s: %w", name, err)
		}
		env.bindings[name] = restricted
	}

	return env, nil
}
