// Package virtual hooks the virtual methods of an emulated C++ class.
//
// Each method named in the gamedata offsets gets its own class hook
// registry. The registry patches the method's vtable slot with a
// trampoline while it has subscribers; the trampoline dispatches the chain
// and the original is the emulated method the slot held before patching.
package virtual

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/zboralski/vhook/internal/emulator"
	"github.com/zboralski/vhook/internal/hookchain"
	glog "github.com/zboralski/vhook/internal/log"
	"github.com/zboralski/vhook/internal/trace"
	"github.com/zboralski/vhook/internal/vtable"
)

var (
	// ErrUnknownMethod is returned for a method without an offset.
	ErrUnknownMethod = errors.New("virtual: unknown method")
	// ErrNoMethods is returned when the offsets name no method of the class.
	ErrNoMethods = errors.New("virtual: no offsets for class")
)

// Object is the address of the emulated instance a method is called on.
type Object uint64

// Args holds the remaining argument registers X1-X7 of a method call.
type Args struct {
	Emu *emulator.Emulator
	X   [7]uint64
}

// HookFunc subscribes to a virtual method.
type HookFunc = hookchain.ClassHookFunc[uint64, Object, Args]

// Method is the hook registry of one virtual method.
type Method struct {
	*hookchain.ClassRegistry[uint64, Object, Args]
	Index int
	patch *vtable.SlotPatch
}

// Slot returns the patch of the method's vtable slot.
func (m *Method) Slot() *vtable.SlotPatch { return m.patch }

// Option configures Bind.
type Option func(*options)

type options struct {
	log   *glog.Logger
	rec   *trace.Recorder
	guard *vtable.Guard
}

// WithLogger sets the logger of the binding and its registries.
func WithLogger(l *glog.Logger) Option { return func(o *options) { o.log = l } }

// WithRecorder records chain events into rec.
func WithRecorder(rec *trace.Recorder) Option { return func(o *options) { o.rec = rec } }

// WithGuard sets the slot exclusivity guard (vtable.DefaultGuard otherwise).
func WithGuard(g *vtable.Guard) Option { return func(o *options) { o.guard = g } }

// Binding is the set of hookable methods of one class vtable.
type Binding struct {
	Class string
	Table uint64 // address of slot 0

	emu     *emulator.Emulator
	methods map[string]*Method // keyed by unqualified method name
	log     *glog.Logger
	rec     *trace.Recorder
}

// Bind creates a registry for every method of class found in offsets. table
// is the address of slot 0, as stored in instances.
func Bind(emu *emulator.Emulator, class string, table uint64, offsets *vtable.Offsets, opts ...Option) (*Binding, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.guard == nil {
		o.guard = vtable.DefaultGuard
	}
	o.log = glog.Or(o.log)

	slots := offsets.Class(class)
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoMethods, class, offsets.OS)
	}

	b := &Binding{
		Class:   class,
		Table:   table,
		emu:     emu,
		methods: make(map[string]*Method, len(slots)),
		log:     o.log.WithChain(class),
		rec:     o.rec,
	}
	for _, name := range sortedKeys(slots) {
		qualified := class + "::" + name
		m := &Method{Index: slots[name]}
		tramp, err := emu.Trampoline(b.dispatch(m))
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", qualified, err)
		}
		m.patch = vtable.NewSlotPatch(emu.Memory(), table, m.Index, tramp,
			vtable.WithGuard(o.guard),
			vtable.WithLogger(o.log),
		)
		m.ClassRegistry = hookchain.NewClassRegistry[uint64, Object, Args](qualified, m.patch,
			hookchain.WithLogger(o.log),
			hookchain.WithRecorder(o.rec),
		)
		b.methods[name] = m
		o.rec.Record(qualified, trace.Virtual, fmt.Sprintf("slot=%d tramp=%s", m.Index, glog.Hex(tramp)))
	}
	b.log.Debug("bound", glog.Addr(table), zap.Int("methods", len(b.methods)))
	return b, nil
}

// BindVTable binds a vtable parsed from the binary. With nil offsets the
// slot indices come from the symbols the relocations resolved to.
func BindVTable(emu *emulator.Emulator, vt *emulator.VTable, offsets *vtable.Offsets, opts ...Option) (*Binding, error) {
	if offsets == nil {
		offsets = OffsetsFromVTable(vt)
	}
	return Bind(emu, vt.ClassName, vt.Table(), offsets, opts...)
}

// OffsetsFromVTable derives Class::Method offsets from resolved slot symbols.
// Overloads keep their lowest slot.
func OffsetsFromVTable(vt *emulator.VTable) *vtable.Offsets {
	o := &vtable.Offsets{OS: vtable.HostOS()}
	seen := make(map[string]bool)
	for _, s := range vt.Sorted() {
		if s.Method == "" || seen[s.Method] {
			continue
		}
		seen[s.Method] = true
		o.Set(vt.ClassName+"::"+s.Method, s.Index)
	}
	return o
}

// Delegated creates a method registry whose install and uninstall are
// performed by the caller.
func Delegated(name string, install, uninstall func(), opts ...hookchain.Option) *hookchain.ClassRegistry[uint64, Object, Args] {
	return hookchain.NewClassRegistry[uint64, Object, Args](name, hookchain.Delegated(install, uninstall), opts...)
}

// Method returns the registry of method (unqualified or Class::Method).
func (b *Binding) Method(name string) (*Method, error) {
	if m, ok := b.methods[name]; ok {
		return m, nil
	}
	for _, m := range b.methods {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s::%s", ErrUnknownMethod, b.Class, name)
}

// Methods returns the bound method names, sorted.
func (b *Binding) Methods() []string {
	names := make([]string, 0, len(b.methods))
	for n := range b.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Hook subscribes fn to method at priority p.
func (b *Binding) Hook(method string, fn HookFunc, p hookchain.Priority) (*hookchain.Info, error) {
	m, err := b.Method(method)
	if err != nil {
		return nil, err
	}
	return m.RegisterHook(fn, p)
}

// Unhook removes h from method.
func (b *Binding) Unhook(method string, h *hookchain.Info) (bool, error) {
	m, err := b.Method(method)
	if err != nil {
		return false, err
	}
	return m.UnregisterHook(h)
}

// Close removes every subscriber, restoring all patched slots.
func (b *Binding) Close() error {
	var errs []error
	for _, name := range b.Methods() {
		m := b.methods[name]
		for _, h := range m.Hooks() {
			if _, err := m.UnregisterHook(h); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Call invokes method on obj the way compiled code does: through the
// pointer currently held by the vtable slot.
func (b *Binding) Call(obj Object, method string, args ...uint64) (uint64, error) {
	m, err := b.Method(method)
	if err != nil {
		return 0, err
	}
	target, err := vtable.ReadSlot(b.emu.Memory(), b.Table, m.Index)
	if err != nil {
		return 0, err
	}
	return b.emu.Call(target, append([]uint64{uint64(obj)}, args...)...)
}

func (b *Binding) dispatch(m *Method) emulator.TrampolineFunc {
	return func(e *emulator.Emulator) {
		obj := Object(e.X(0))
		a := Args{Emu: e}
		for i := range a.X {
			a.X[i] = e.X(i + 1)
		}
		ret := m.CallChain(b.original(m), obj, a)
		setResult(e, ret, b.log, m.Name())
	}
}

// original calls the method the slot held before patching. Once the slot is
// restored (the last subscriber left during dispatch) it is read back.
func (b *Binding) original(m *Method) hookchain.ClassOriginalFunc[uint64, Object, Args] {
	return func(obj Object, a Args) uint64 {
		addr := m.VFuncAddr()
		if addr == 0 {
			addr, _ = vtable.ReadSlot(b.emu.Memory(), b.Table, m.Index)
		}
		if addr == 0 || addr == m.patch.Trampoline() {
			b.log.Warn("no original", glog.Fn(m.Name()))
			b.rec.Record(m.Name(), trace.Fallback, fmt.Sprintf("no original in slot %d, returning 0", m.Index))
			return 0
		}
		args := append([]uint64{uint64(obj)}, a.X[:]...)
		ret, err := a.Emu.Call(addr, args...)
		if err != nil {
			b.log.Warn("original failed", glog.Fn(m.Name()), zap.Error(err))
		}
		return ret
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

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
