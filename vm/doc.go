// Package vm defines the boundary between the governor and an embeddable
// scripting VM.
//
// A [Machine] exposes the slots the governor needs: an allocator, an
// instruction-count hook, a call-depth guard, a global namespace that can be
// replaced per unit, and load/call entry points. Concrete machines live under
// machine/.
package vm
