// Package stubs provides the hook dispatch table for intercepted
// library calls and the hook implementations themselves.
//
// Each hook stands in for one externally-imported symbol the emulated
// binary calls. Hooks self-register via init() in per-category files
// (libc, IOKit, CoreFoundation, DiskArbitration). At setup time every
// import of the loaded slice is bound to a distinct trap address inside
// the emulator's hook region; when execution reaches a trap the
// dispatcher reads the hook's declared arity worth of arguments from
// the calling-convention slots, runs the hook, and writes its result
// into the return register before the trap's RET hands control back.
package stubs

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Kab1r/rustpush/internal/cf"
	"github.com/Kab1r/rustpush/internal/emulator"
	glog "github.com/Kab1r/rustpush/internal/log"
)

var (
	// ErrUnresolvedHook means execution reached a hook-region address
	// that was never assigned to an import. Fatal.
	ErrUnresolvedHook = errors.New("stubs: unresolved hook address")

	// ErrNoHook means the binary called an import no hook was
	// registered for. The hook table must be exhaustive for the call
	// graph the binary exercises. Fatal.
	ErrNoHook = errors.New("stubs: no hook registered for symbol")
)

// hookSlot is the spacing between trap addresses in the hook region.
const hookSlot = 16

// PropertyProvider answers device/registry queries from the bundled
// fixture dataset. Implemented by the driver's fixture set.
type PropertyProvider interface {
	// IOKitProperty returns the fixture value under a registry
	// property key, or false when the key has no fixture.
	IOKitProperty(key string) (cf.Object, bool)
	// RootDiskUUID returns the fabricated boot-volume UUID string.
	RootDiskUUID() string
}

// Context is the per-run harness state handed to every hook. One
// Context belongs to exactly one emulation run; nothing is shared
// across runs.
type Context struct {
	Emu      *emulator.Emulator
	Objects  *cf.Table
	Fixtures PropertyProvider
	Log      *glog.Logger

	// serviceIterator models a single-element service enumeration:
	// armed by the get-matching-services hook, consumed exactly once
	// by the iterator-next hook.
	serviceIterator bool
}

// ArmServiceIterator arms the one-shot service iterator.
func (c *Context) ArmServiceIterator() { c.serviceIterator = true }

// TakeServiceIterator reports whether the iterator was armed, and
// disarms it.
func (c *Context) TakeServiceIterator() bool {
	armed := c.serviceIterator
	c.serviceIterator = false
	return armed
}

// HookFunc implements one imported symbol: raw argument words in, one
// result word out, plus whatever memory side effects the hook performs
// through the Context.
type HookFunc func(ctx *Context, args []uint64) (uint64, error)

// Def declares a hook with its symbol name and fixed arity.
type Def struct {
	Name     string // symbol name, with the Mach-O leading underscore
	Args     int
	Category string // for logging: "libc", "iokit", "cf", "diskarb"
	Hook     HookFunc
}

// Registry holds all registered hook definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Def
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Def)}
}

// Register adds a hook definition. Called from init() functions in
// per-category files.
func (r *Registry) Register(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = &def
}

// Register adds a hook to the default registry.
func Register(def Def) {
	DefaultRegistry.Register(def)
}

// Lookup returns the definition for a symbol.
func (r *Registry) Lookup(name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Count returns the number of registered hooks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// List returns all registered symbol names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Import is one imported-symbol pointer slot to bind. Mirrors the
// loader's import records without importing that package.
type Import struct {
	Symbol string
	Slot   uint64
}

// Binding is the immutable resolved-address map for one run: trap
// address back to the symbol name assigned at setup time.
type Binding struct {
	reg      *Registry
	ctx      *Context
	resolved map[uint64]string
	bound    int
}

// Bind assigns every import a distinct trap address in the hook
// region, writes that address into the import's pointer slot in
// emulated memory, and installs the dispatcher over the hook region.
// Imports without a registered hook still get an address; calling one
// is a fatal dispatch error.
func (r *Registry) Bind(ctx *Context, imports []Import) (*Binding, error) {
	if len(imports)*hookSlot > emulator.HookSize {
		return nil, fmt.Errorf("stubs: %d imports overflow hook region", len(imports))
	}

	b := &Binding{
		reg:      r,
		ctx:      ctx,
		resolved: make(map[uint64]string, len(imports)),
	}
	for i, im := range imports {
		addr := uint64(emulator.HookBase) + uint64(i)*hookSlot
		if err := ctx.Emu.MemWriteU64(im.Slot, addr); err != nil {
			return nil, fmt.Errorf("stubs: bind %s: %w", im.Symbol, err)
		}
		b.resolved[addr] = im.Symbol
		b.bound++

		if ctx.Log != nil {
			if def, ok := r.Lookup(im.Symbol); ok {
				ctx.Log.HookBind(def.Category, im.Symbol, addr)
			} else {
				ctx.Log.HookUnknown(im.Symbol)
			}
		}
	}

	ctx.Emu.OnHookRegion(b.dispatch)
	return b, nil
}

// Bound returns the number of bound imports.
func (b *Binding) Bound() int { return b.bound }

// Resolve maps a trap address back to its symbol name.
func (b *Binding) Resolve(addr uint64) (string, bool) {
	name, ok := b.resolved[addr]
	return name, ok
}

// dispatch is the trace callback body: recover the symbol for the
// trapped address, run its hook, park any failure on the emulator.
func (b *Binding) dispatch(addr uint64) {
	name, ok := b.resolved[addr]
	if !ok {
		b.ctx.Emu.Abort(fmt.Errorf("%w: %#x", ErrUnresolvedHook, addr))
		return
	}
	def, ok := b.reg.Lookup(name)
	if !ok {
		b.ctx.Emu.Abort(fmt.Errorf("%w: %s", ErrNoHook, name))
		return
	}

	args, err := b.ctx.Emu.Args(def.Args)
	if err != nil {
		b.ctx.Emu.Abort(fmt.Errorf("stubs: read args for %s: %w", name, err))
		return
	}

	ret, err := def.Hook(b.ctx, args)
	if err != nil {
		b.ctx.Emu.Abort(fmt.Errorf("stubs: %s: %w", name, err))
		return
	}
	if err := b.ctx.Emu.SetRet(ret); err != nil {
		b.ctx.Emu.Abort(fmt.Errorf("stubs: set return for %s: %w", name, err))
		return
	}

	if b.ctx.Log != nil {
		b.ctx.Log.Trace(addr, def.Category, name, fmt.Sprintf("ret=%#x", ret))
	}
}

// ErrInvalidArity reports a hook invoked with the wrong number of
// arguments. This is an internal consistency invariant between the
// loaded binary and the hook table, not a user-recoverable condition.
var ErrInvalidArity = errors.New("stubs: invalid hook arity")

// Invoke runs a registered hook directly with explicit arguments,
// enforcing the declared arity. Used by hooks that layer on other
// hooks and by tests.
func (r *Registry) Invoke(ctx *Context, name string, args ...uint64) (uint64, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoHook, name)
	}
	if len(args) != def.Args {
		return 0, fmt.Errorf("%w: %s got %d args, want %d", ErrInvalidArity, name, len(args), def.Args)
	}
	return def.Hook(ctx, args)
}
