package hookchain

import (
	"strconv"

	glog "github.com/zboralski/vhook/internal/log"
	"github.com/zboralski/vhook/internal/trace"
)

// Option configures a registry.
type Option func(*options)

type options struct {
	log *glog.Logger
	rec *trace.Recorder
}

// WithLogger sets the logger; the global glog.L is used otherwise.
func WithLogger(l *glog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRecorder records lifecycle and dispatch events into rec.
func WithRecorder(rec *trace.Recorder) Option {
	return func(o *options) { o.rec = rec }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.log = glog.Or(o.log)
	return o
}

// Registry owns the chain of one free-function operation.
// It is not safe for concurrent use.
type Registry[R, A any] struct {
	name  string
	chain orderedChain[HookFunc[R, A]]
	log   *glog.Logger
	rec   *trace.Recorder
}

// NewRegistry creates an empty registry for the operation called name.
func NewRegistry[R, A any](name string, opts ...Option) *Registry[R, A] {
	o := buildOptions(opts)
	return &Registry[R, A]{name: name, log: o.log, rec: o.rec}
}

// Name returns the operation name.
func (r *Registry[R, A]) Name() string { return r.name }

// RegisterHook subscribes fn at priority p. A nil fn yields (nil, ErrNilHook).
// The same function may be registered several times; each call returns a
// distinct handle.
func (r *Registry[R, A]) RegisterHook(fn HookFunc[R, A], p Priority) (*Info, error) {
	if fn == nil {
		return nil, ErrNilHook
	}
	info := newInfo(p)
	info.onChange = r.stateChanged
	r.chain.insert(&entry[HookFunc[R, A]]{info: info, fn: fn})

	r.log.HookRegistered(r.name, info.id, uint8(p), r.chain.len())
	if r.rec != nil {
		e := r.rec.Record(r.name, trace.Register, p.String())
		e.Annotate("id", strconv.FormatUint(info.id, 10))
	}
	return info, nil
}

// UnregisterHook removes the registration identified by h. Unknown or
// already removed handles are ignored; the result reports whether h was found.
func (r *Registry[R, A]) UnregisterHook(h *Info) bool {
	if h == nil || !r.chain.remove(h) {
		return false
	}
	h.onChange = nil

	r.log.HookRemoved(r.name, h.id, r.chain.len())
	if r.rec != nil {
		e := r.rec.Record(r.name, trace.Unregister, "")
		e.Annotate("id", strconv.FormatUint(h.id, 10))
	}
	return true
}

// HasHooks reports whether any subscriber, enabled or not, is registered.
func (r *Registry[R, A]) HasHooks() bool { return r.chain.len() != 0 }

// Len returns the number of registrations.
func (r *Registry[R, A]) Len() int { return r.chain.len() }

// Hooks returns the handles in traversal order.
func (r *Registry[R, A]) Hooks() []*Info { return r.chain.infos() }

// CallChain runs the chain with original as its only terminal.
// An empty chain calls original(args) directly.
func (r *Registry[R, A]) CallChain(original OriginalFunc[R, A], args A) R {
	entries := r.chain.snapshot()
	if len(entries) == 0 {
		return original(args)
	}
	return r.cursor(entries, nil, original).CallNext(args)
}

// CallChainLast runs the chain with two terminals: reaching the end of the
// chain calls last, while CallOriginal from any position calls original.
// An empty chain calls last(args).
func (r *Registry[R, A]) CallChainLast(last, original OriginalFunc[R, A], args A) R {
	entries := r.chain.snapshot()
	if len(entries) == 0 {
		return last(args)
	}
	return r.cursor(entries, last, original).CallNext(args)
}

func (r *Registry[R, A]) cursor(entries []*entry[HookFunc[R, A]], last, original OriginalFunc[R, A]) *Cursor[R, A] {
	if r.rec != nil {
		r.rec.Record(r.name, trace.Dispatch, strconv.Itoa(len(entries)))
	}
	return &Cursor[R, A]{
		name:     r.name,
		rec:      r.rec,
		entries:  entries,
		last:     last,
		original: original,
	}
}

func (r *Registry[R, A]) stateChanged(info *Info, s State) {
	tag := trace.Disable
	if s == Enabled {
		tag = trace.Enable
	}
	r.log.Event(string(tag), r.name, strconv.FormatUint(info.id, 10))
	if r.rec != nil {
		r.rec.Record(r.name, tag, strconv.FormatUint(info.id, 10))
	}
}
