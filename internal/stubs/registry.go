// Package stubs intercepts the imports (PLT entries) of an emulated binary.
//
// Every import is a free-function hook chain: subscribers registered through
// Hooks(name) run in priority order and the Go stub registered for the name
// is the original. Stub packages register themselves from init(); import
// stubs/all to enable them.
package stubs

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/vhook/internal/emulator"
	"github.com/zboralski/vhook/internal/hookchain"
	glog "github.com/zboralski/vhook/internal/log"
	"github.com/zboralski/vhook/internal/trace"
)

// Args is the argument tuple of an import call: the registers X0-X7 at the
// call site.
type Args struct {
	Emu *emulator.Emulator
	X   [8]uint64

	name string
	def  *Def
	reg  *Registry
}

// ArgsFrom captures X0-X7 of emu.
func ArgsFrom(emu *emulator.Emulator) Args {
	a := Args{Emu: emu}
	for i := range a.X {
		a.X[i] = emu.X(i)
	}
	return a
}

// Name returns the import being called.
func (a Args) Name() string { return a.name }

// Log reports stub activity for the import being called.
func (a Args) Log(detail string) {
	if a.reg == nil {
		return
	}
	cat := "import"
	if a.def != nil {
		cat = a.def.Category
	}
	a.reg.Log(cat, a.name, detail)
}

// Output returns the writer for emulated stdout.
func (a Args) Output() io.Writer {
	if a.reg == nil || a.reg.Output == nil {
		return io.Discard
	}
	return a.reg.Output
}

// StubFunc is the Go implementation of an import. It is the original of the
// import's hook chain.
type StubFunc = hookchain.OriginalFunc[uint64, Args]

// HookFunc subscribes to an import.
type HookFunc = hookchain.HookFunc[uint64, Args]

// Def defines a stub with its symbol name and implementation.
type Def struct {
	Name     string   // Symbol name (e.g., "malloc")
	Aliases  []string // Alternative symbol names
	Category string   // For logging: "libc", "cxx", ...
	Stub     StubFunc
}

// Registry holds the stub definitions and the hook chain of every import.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Def // symbol name or alias -> definition
	chains map[string]*hookchain.Registry[uint64, Args]

	log *glog.Logger
	rec *trace.Recorder

	// OnCall mirrors every Log call.
	OnCall func(category, name, detail string)
	// Output receives emulated stdout (puts, printf).
	Output io.Writer
	// Fallbacks installs a stub returning 0 for imports without a definition.
	Fallbacks bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and its chains.
func WithLogger(l *glog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithRecorder records chain and fallback events into rec.
func WithRecorder(rec *trace.Recorder) Option {
	return func(r *Registry) { r.rec = rec }
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		defs:      make(map[string]*Def),
		chains:    make(map[string]*hookchain.Registry[uint64, Args]),
		Output:    os.Stdout,
		Fallbacks: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = glog.Or(r.log)
	return r
}

// Configure applies opts to an existing registry, typically DefaultRegistry.
// Chains created before the call keep their logger and recorder.
func (r *Registry) Configure(opts ...Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, opt := range opts {
		opt(r)
	}
	r.log = glog.Or(r.log)
}

// Register adds a stub definition. Called from init() functions in stub
// packages.
func (r *Registry) Register(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.defs[alias] = &def
	}
	r.log.Debug("stub",
		zap.String("cat", def.Category),
		glog.Fn(def.Name),
		zap.Strings("aliases", def.Aliases),
	)
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, stub StubFunc, aliases ...string) {
	r.Register(Def{
		Name:     name,
		Aliases:  aliases,
		Category: category,
		Stub:     stub,
	})
}

// Lookup returns the definition registered under name or one of its aliases.
func (r *Registry) Lookup(name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Hooks returns the hook chain of the import called name, creating it on
// first use. Aliases share the chain of their definition.
func (r *Registry) Hooks(name string) *hookchain.Registry[uint64, Args] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def, ok := r.defs[name]; ok {
		name = def.Name
	}
	chain, ok := r.chains[name]
	if !ok {
		chain = hookchain.NewRegistry[uint64, Args](name,
			hookchain.WithLogger(r.log),
			hookchain.WithRecorder(r.rec),
		)
		r.chains[name] = chain
	}
	return chain
}

// Handler returns the function bound at an import address: it dispatches
// the chain of name with its stub (or the zero fallback) as original, puts
// the result in X0 and returns to the caller.
func (r *Registry) Handler(name string) func(*emulator.Emulator) bool {
	def, _ := r.Lookup(name)
	chain := r.Hooks(name)
	original := r.fallback(name)
	if def != nil && def.Stub != nil {
		original = def.Stub
	}
	return func(e *emulator.Emulator) bool {
		args := ArgsFrom(e)
		args.name, args.def, args.reg = name, def, r
		ret := chain.CallChain(original, args)
		setResult(e, ret, r.log, name)
		e.ReturnFromStub()
		return false
	}
}

type registers interface {
	SetX(n int, val uint64) error
}

func setResult(regs registers, ret uint64, log *glog.Logger, name string) {
	if err := regs.SetX(0, ret); err != nil {
		log.Warn("set result", glog.Fn(name), zap.Error(err))
	}
}

func (r *Registry) fallback(name string) StubFunc {
	return func(a Args) uint64 {
		r.log.Debug("fallback", glog.Fn(name))
		if r.rec != nil {
			r.rec.Record(name, trace.Fallback, "0")
		}
		return 0
	}
}

// Install hooks the imports of a loaded binary. Imports with a definition,
// or whose chain was requested through Hooks, dispatch through their chain;
// the rest get a fallback returning 0 when Fallbacks is set. symbols are
// additional (internal) functions hooked only when a definition exists.
// Subscribers may join a bound chain after Install.
func (r *Registry) Install(emu *emulator.Emulator, imports map[string]uint64, symbols ...map[string]uint64) int {
	installed := 0
	seen := make(map[uint64]bool)

	bind := func(name string, addr uint64, source string) {
		if addr == 0 || seen[addr] {
			return
		}
		seen[addr] = true
		emu.HookAddress(addr, r.Handler(name))
		installed++
		r.log.Debug("install", glog.Fn(name), glog.Addr(addr), zap.String("src", source))
		if r.rec != nil {
			r.rec.Record(name, trace.Import, glog.Hex(addr))
		}
	}

	for _, name := range sortedNames(imports) {
		_, known := r.Lookup(name)
		if known || r.hasChain(name) {
			bind(name, imports[name], "import")
		}
	}
	for _, syms := range symbols {
		for _, name := range sortedNames(syms) {
			if _, known := r.Lookup(name); known {
				bind(name, syms[name], "internal")
			}
		}
	}
	if r.Fallbacks {
		for _, name := range sortedNames(imports) {
			bind(name, imports[name], "fallback")
		}
	}
	return installed
}

func (r *Registry) hasChain(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chains[name]
	return ok
}

func sortedNames(m map[string]uint64) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Log calls the OnCall callback and logs via zap.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()

	if cb != nil {
		cb(category, name, detail)
	}
	r.log.Debug(name,
		zap.String("cat", category),
		zap.String("detail", detail),
	)
}

// Count returns the number of registered names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// List returns the registered stub names (aliases excluded), sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name, def := range r.defs {
		if name == def.Name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Register adds a stub to the default registry.
func Register(def Def) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, stub StubFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, stub, aliases...)
}

// Install hooks all stubs in the default registry.
func Install(emu *emulator.Emulator, imports map[string]uint64, symbols ...map[string]uint64) int {
	return DefaultRegistry.Install(emu, imports, symbols...)
}

// Hooks returns an import chain of the default registry.
func Hooks(name string) *hookchain.Registry[uint64, Args] {
	return DefaultRegistry.Hooks(name)
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
