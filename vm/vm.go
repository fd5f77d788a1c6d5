package vm

import (
	"context"
	"errors"
	"time"

	"github.com/caffeineduck/vmguard/sandbox"
)

// ErrNotArmed is returned by machines asked to load or call before Arm.
var ErrNotArmed = errors.New("machine not armed")

// ErrSignature is returned by Load when a compiled unit carries a signature
// the machine cannot execute.
var ErrSignature = errors.New("invalid compiled-unit signature")

// ErrOutOfMemory is the VM fault a machine raises when the allocator denies a
// request.
var ErrOutOfMemory = errors.New("not enough memory")

// Allocator is the VM's allocation slot. A nil return for a growth request
// is a denial and must surface as the VM's out-of-memory fault.
type Allocator interface {
	Realloc(block []byte, newSize int) []byte
}

// Hook is the VM's instruction-count slot. Checkpoint is called once every
// Interval units of work with the running total; a non-nil error aborts the
// run as a VM fault.
type Hook interface {
	Interval() int
	Checkpoint(executed int64) error
}

// MemoryWatcher is implemented by hooks that can judge a machine's memory
// between checkpoints. A machine whose allocations cannot all be routed
// through the allocator calls CheckMemory on a short stride of its own.
type MemoryWatcher interface {
	CheckMemory() error
}

// DepthGuard is called on every call entry with the depth the new frame
// would have. A non-nil error aborts the run before the frame exists.
type DepthGuard interface {
	Limit() int
	Check(depth int) error
}

// Guards are the slots a governor installs for one run. Deadline is zero when
// no wall-clock limit applies, MemoryLimit is zero when memory is unlimited.
type Guards struct {
	Allocator   Allocator
	Hook        Hook
	Depth       DepthGuard
	Deadline    time.Time
	MemoryLimit int64
}

// Unit is a compiled script ready to be bound and called.
type Unit interface {
	ChunkName() string
}

// Machine adapts one embeddable VM to the governor.
//
// A machine runs one script at a time. The governor drives it through
//
//	Arm -> Load -> Globals/Bind -> Call -> Disarm
//
// and never calls it concurrently.
type Machine interface {
	Name() string

	// Signature is the header a precompiled unit must start with.
	Signature() []byte

	// AcceptsSource reports whether Load also takes source text.
	AcceptsSource() bool

	// DefaultAllowList is the conservative set of globals a sandbox exposes
	// when the host does not supply one.
	DefaultAllowList() sandbox.AllowList

	// Arm installs the guards for the next run and resets per-run state.
	Arm(g Guards) error

	Load(script []byte, chunkName string) (Unit, error)

	// Globals is the VM's default global namespace for the armed run.
	Globals() sandbox.Namespace

	// Bind makes env the only global namespace of u.
	Bind(u Unit, env *sandbox.Environment) error

	Call(ctx context.Context, u Unit) ([]any, error)

	// MemoryUsage is the VM's own accounting of live bytes for this run.
	MemoryUsage() int64

	// Output returns what the script printed during this run.
	Output() string

	// Disarm releases per-run state. It is safe to call more than once.
	Disarm()

	Close() error
}

// Counter is implemented by machines that can report the exact amount of
// work done so far in the armed run, not just the last checkpoint.
type Counter interface {
	Executed() int64
}

// HasSignature reports whether script starts with sig.
func HasSignature(script, sig []byte) bool {
	if len(sig) == 0 || len(script) < len(sig) {
		return false
	}
	for i := range sig {
		if script[i] != sig[i] {
			return false
		}
	}
	return true
}
