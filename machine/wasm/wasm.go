package wasm

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"

	"github.com/caffeineduck/vmguard/sandbox"
	"github.com/caffeineduck/vmguard/vm"
)

// Signature is the magic number every WebAssembly binary starts with.
var Signature = []byte("\x00asm")

var errClosed = errors.New("machine closed")

// Machine runs WebAssembly modules on wazero.
//
// The runtime and compiled modules live as long as the machine. Every run
// gets fresh instances of the host modules and the guest, closed on Disarm.
type Machine struct {
	cfg      config
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	listener *listener

	mu       sync.Mutex
	compiled map[[sha256.Size]byte]wazero.CompiledModule
	closed   bool

	armed    bool
	guards   vm.Guards
	interval int64
	memories []*linearMemory
	denied   bool
	executed int64
	depth    int
	out      *vm.Output
	env      *sandbox.Environment
	closers  []api.Closer
}

// New creates a wasm machine with its own runtime.
func New(opts ...Option) (*Machine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	m := &Machine{
		cfg:      cfg,
		runtime:  wazero.NewRuntimeWithConfig(ctx, rtConfig),
		cache:    cache,
		compiled: make(map[[sha256.Size]byte]wazero.CompiledModule),
		out:      vm.NewOutput(cfg.outputLimit),
	}
	m.listener = &listener{m: m}
	return m, nil
}

func (m *Machine) Name() string        { return "wasm" }
func (m *Machine) Signature() []byte   { return Signature }
func (m *Machine) AcceptsSource() bool { return false }

// DefaultAllowList links the printing and clock functions of env. host_call
// and WASI must be allowed explicitly.
func (m *Machine) DefaultAllowList() sandbox.AllowList {
	return sandbox.AllowList{
		"print":     nil,
		"print_i64": nil,
		"print_f64": nil,
		"time_now":  nil,
	}
}

func (m *Machine) Arm(g vm.Guards) error {
	m.Disarm()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errClosed
	}

	m.guards = g
	m.interval = 1
	if g.Hook != nil && g.Hook.Interval() > 0 {
		m.interval = int64(g.Hook.Interval())
	}
	m.memories = nil
	m.denied = false
	m.executed = 0
	m.depth = 0
	m.out.Reset()
	m.armed = true
	return nil
}

type unit struct {
	name     string
	compiled wazero.CompiledModule
}

func (u *unit) ChunkName() string { return u.name }

// Load compiles a module, reusing an earlier compilation of the same bytes.
func (m *Machine) Load(script []byte, chunkName string) (vm.Unit, error) {
	if !m.armed {
		return nil, vm.ErrNotArmed
	}
	if !vm.HasSignature(script, Signature) {
		return nil, fmt.Errorf("%s: %w", chunkName, vm.ErrSignature)
	}

	compiled, err := m.getCompiled(script)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", chunkName, err)
	}
	return &unit{name: chunkName, compiled: compiled}, nil
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (m *Machine) getCompiled(script []byte) (wazero.CompiledModule, error) {
	key := sha256.Sum256(script)

	m.mu.Lock()
	defer m.mu.Unlock()

	if compiled, ok := m.compiled[key]; ok {
		return compiled, nil
	}

	ctx := experimental.WithFunctionListenerFactory(context.Background(), m.listener.factory())
	compiled, err := m.runtime.CompileModule(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	if m.cfg.maxCompiled > 0 && len(m.compiled) >= m.cfg.maxCompiled {
		for k, old := range m.compiled {
			old.Close(context.Background())
			delete(m.compiled, k)
			break
		}
	}
	m.compiled[key] = compiled
	return compiled, nil
}

func (m *Machine) Bind(u vm.Unit, env *sandbox.Environment) error {
	if _, ok := u.(*unit); !ok {
		return fmt.Errorf("unit %T does not belong to the wasm machine", u)
	}
	m.env = env
	return nil
}

// Call links the allowed host modules, instantiates the guest and calls its
// entry export with no arguments.
func (m *Machine) Call(ctx context.Context, u vm.Unit) ([]any, error) {
	wu, ok := u.(*unit)
	if !ok {
		return nil, fmt.Errorf("unit %T does not belong to the wasm machine", u)
	}
	if !m.armed {
		return nil, vm.ErrNotArmed
	}

	if !m.guards.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, m.guards.Deadline)
		defer cancel()
	}
	ctx = experimental.WithMemoryAllocator(ctx, experimental.MemoryAllocatorFunc(m.allocate))

	if err := m.link(ctx); err != nil {
		return nil, err
	}

	mod, err := m.instantiate(ctx, wu.compiled)
	if err != nil {
		return nil, m.fault(err)
	}
	m.closers = append(m.closers, mod)

	fn := mod.ExportedFunction(m.cfg.entry)
	if fn == nil {
		return nil, fmt.Errorf("%s: module does not export %q", wu.name, m.cfg.entry)
	}

	results, err := fn.Call(ctx)
	if err != nil {
		return nil, m.fault(err)
	}
	return decodeResults(fn.Definition().ResultTypes(), results), nil
}

// instantiate recovers the panic wazero raises when the allocator refuses a
// module's initial memory.
func (m *Machine) instantiate(ctx context.Context, compiled wazero.CompiledModule) (mod api.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			if m.denied {
				err = vm.ErrOutOfMemory
				return
			}
			err = fmt.Errorf("instantiate: %v", r)
		}
	}()

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithStdout(m.out).
		WithStderr(m.out)
	return m.runtime.InstantiateModule(ctx, compiled, cfg)
}

// fault turns a wazero error into the run's error. The hook is consulted
// once more so an interrupted run records which limit stopped it.
func (m *Machine) fault(err error) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}

	if h := m.guards.Hook; h != nil {
		h.Checkpoint(m.executed)
	}
	if m.denied {
		return vm.ErrOutOfMemory
	}

	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return errors.New(strings.TrimSuffix(msg, " (recovered by wazero)"))
}

func decodeResults(types []api.ValueType, raw []uint64) []any {
	values := make([]any, len(raw))
	for i, v := range raw {
		switch types[i] {
		case api.ValueTypeI32:
			values[i] = int64(api.DecodeI32(v))
		case api.ValueTypeI64:
			values[i] = int64(v)
		case api.ValueTypeF32:
			values[i] = float64(api.DecodeF32(v))
		case api.ValueTypeF64:
			values[i] = api.DecodeF64(v)
		default:
			values[i] = v
		}
	}
	return values
}

// Executed returns the number of guest function calls since Arm.
func (m *Machine) Executed() int64 {
	return m.executed
}

func (m *Machine) Output() string {
	return m.out.String()
}

// Disarm closes the run's guest and host module instances.
func (m *Machine) Disarm() {
	ctx := context.Background()
	for i := len(m.closers) - 1; i >= 0; i-- {
		m.closers[i].Close(ctx)
	}
	m.closers = nil
	m.env = nil
	m.armed = false
}

// Close releases the runtime, every compiled module and the cache.
func (m *Machine) Close() error {
	m.Disarm()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	ctx := context.Background()

	var errs []error
	if err := m.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if m.cache != nil {
		if err := m.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "vmguard")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "vmguard")
	}
	return filepath.Join(os.TempDir(), "vmguard-cache")
}

var (
	_ vm.Machine = (*Machine)(nil)
	_ vm.Counter = (*Machine)(nil)
)
