package hookchain

import (
	"fmt"

	"go.uber.org/zap"

	glog "github.com/zboralski/vhook/internal/log"
	"github.com/zboralski/vhook/internal/trace"
)

// ClassHookFunc is a subscriber of a virtual method. The intercepted object is
// passed explicitly as entity.
type ClassHookFunc[R, E, A any] func(c *ClassCursor[R, E, A], entity E, args A) R

// ClassOriginalFunc is a terminal of a class chain.
type ClassOriginalFunc[R, E, A any] func(entity E, args A) R

// classCall packs the receiver with the argument tuple so that a class chain
// can reuse the free-function machinery.
type classCall[E, A any] struct {
	entity E
	args   A
}

// ClassCursor is the continuation handed to a class subscriber.
type ClassCursor[R, E, A any] struct {
	c *Cursor[R, classCall[E, A]]
}

// CallNext runs the next enabled subscriber, or the end-of-chain terminal.
func (c *ClassCursor[R, E, A]) CallNext(entity E, args A) R {
	return c.c.CallNext(classCall[E, A]{entity, args})
}

// CallOriginal skips the remaining subscribers and runs the original.
func (c *ClassCursor[R, E, A]) CallOriginal(entity E, args A) R {
	return c.c.CallOriginal(classCall[E, A]{entity, args})
}

// Chain returns the registry name this cursor walks.
func (c *ClassCursor[R, E, A]) Chain() string { return c.c.name }

// ClassRegistry owns the chain of one virtual method of a closed type.
//
// The method's slot is redirected only while the chain is non-empty: the
// first registration installs the Patcher and removing the last one restores
// it. Registrations in between never touch the slot, so the trampoline's own
// address is never captured as the original.
type ClassRegistry[R, E, A any] struct {
	inner   *Registry[R, classCall[E, A]]
	patcher Patcher
	patched bool
	log     *glog.Logger
	rec     *trace.Recorder
}

// NewClassRegistry creates a registry patched through p. Use a
// *vtable.SlotPatch for direct patching or a Delegate for hosts that own the
// slot.
func NewClassRegistry[R, E, A any](name string, p Patcher, opts ...Option) *ClassRegistry[R, E, A] {
	o := buildOptions(opts)
	if p == nil {
		p = Delegate{}
	}
	return &ClassRegistry[R, E, A]{
		inner:   NewRegistry[R, classCall[E, A]](name, opts...),
		patcher: p,
		log:     o.log,
		rec:     o.rec,
	}
}

// Name returns the operation name.
func (r *ClassRegistry[R, E, A]) Name() string { return r.inner.name }

// RegisterHook subscribes fn at priority p, installing the patch if this is
// the first subscriber. If the install fails nothing is registered and the
// returned error wraps ErrInstall.
func (r *ClassRegistry[R, E, A]) RegisterHook(fn ClassHookFunc[R, E, A], p Priority) (*Info, error) {
	if fn == nil {
		return nil, ErrNilHook
	}

	if !r.inner.HasHooks() && !r.patched {
		if err := r.patcher.Install(); err != nil {
			r.log.Warn("install failed", zap.String("chain", r.Name()), zap.Error(err))
			return nil, fmt.Errorf("%w: %s: %w", ErrInstall, r.Name(), err)
		}
		r.patched = true
		r.log.Event(string(trace.Install), r.Name(), glog.Hex(r.patcher.Original()))
		if r.rec != nil {
			r.rec.Record(r.Name(), trace.Install, glog.Hex(r.patcher.Original()))
		}
	}

	return r.inner.RegisterHook(func(c *Cursor[R, classCall[E, A]], call classCall[E, A]) R {
		return fn(&ClassCursor[R, E, A]{c: c}, call.entity, call.args)
	}, p)
}

// UnregisterHook removes h and restores the patch when the chain becomes
// empty. The entry is removed even when the restore fails; the patch then
// stays recorded as active and the returned error wraps ErrRestore.
func (r *ClassRegistry[R, E, A]) UnregisterHook(h *Info) (bool, error) {
	if !r.inner.UnregisterHook(h) {
		return false, nil
	}
	if r.inner.HasHooks() || !r.patched {
		return true, nil
	}

	original := r.patcher.Original()
	if err := r.patcher.Restore(); err != nil {
		r.log.Warn("restore failed", zap.String("chain", r.Name()), zap.Error(err))
		return true, fmt.Errorf("%w: %s: %w", ErrRestore, r.Name(), err)
	}
	r.patched = false
	r.log.Event(string(trace.Restore), r.Name(), glog.Hex(original))
	if r.rec != nil {
		r.rec.Record(r.Name(), trace.Restore, glog.Hex(original))
	}
	return true, nil
}

// HasHooks reports whether any subscriber is registered.
func (r *ClassRegistry[R, E, A]) HasHooks() bool { return r.inner.HasHooks() }

// Len returns the number of registrations.
func (r *ClassRegistry[R, E, A]) Len() int { return r.inner.Len() }

// Hooks returns the handles in traversal order.
func (r *ClassRegistry[R, E, A]) Hooks() []*Info { return r.inner.Hooks() }

// Patched reports whether the slot is currently redirected.
func (r *ClassRegistry[R, E, A]) Patched() bool { return r.patched }

// VFuncAddr returns the captured original function, so the end of a
// chain can call it directly instead of re-entering the patched slot.
func (r *ClassRegistry[R, E, A]) VFuncAddr() uint64 { return r.patcher.Original() }

// CallChain runs the chain with last as its only terminal: both the end of
// the chain and CallOriginal reach last.
func (r *ClassRegistry[R, E, A]) CallChain(last ClassOriginalFunc[R, E, A], entity E, args A) R {
	return r.inner.CallChain(unpack(last), classCall[E, A]{entity, args})
}

// CallChainLast runs the chain with distinct terminals: the end of the chain
// calls last, CallOriginal calls original.
func (r *ClassRegistry[R, E, A]) CallChainLast(last, original ClassOriginalFunc[R, E, A], entity E, args A) R {
	return r.inner.CallChainLast(unpack(last), unpack(original), classCall[E, A]{entity, args})
}

func unpack[R, E, A any](fn ClassOriginalFunc[R, E, A]) OriginalFunc[R, classCall[E, A]] {
	return func(call classCall[E, A]) R {
		return fn(call.entity, call.args)
	}
}
