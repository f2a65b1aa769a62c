// Package script runs subscriber plugins written in JavaScript.
//
// Each plugin file gets its own goja runtime with a global vhook object:
//
//	vhook.hook(name, priority, fn)            subscribe to an import
//	vhook.vhook(class, method, priority, fn)  subscribe to a virtual method
//	vhook.unhook(id) / disable(id) / enable(id)
//	vhook.log(...)
//	vhook.readString(addr) / readU64(addr)
//
// Import hooks are called as fn(chain, x0, ..., x7), method hooks as
// fn(chain, this, x1, ..., x7). chain.next(...) and chain.original(...)
// take replacement arguments by position; omitted ones keep their value.
// A hook that throws is logged and the call continues down the chain with
// the arguments it received.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/zboralski/vhook/internal/emulator"
	"github.com/zboralski/vhook/internal/hookchain"
	glog "github.com/zboralski/vhook/internal/log"
	"github.com/zboralski/vhook/internal/stubs"
	"github.com/zboralski/vhook/internal/trace"
	"github.com/zboralski/vhook/internal/virtual"
)

var (
	// ErrUnknownClass is returned by vhook.vhook for a class without binding.
	ErrUnknownClass = errors.New("script: unknown class")
)

// Host exposes the hook targets to plugins.
type Host struct {
	Emu     *emulator.Emulator
	Imports *stubs.Registry
	Classes map[string]*virtual.Binding

	Log *glog.Logger
	Rec *trace.Recorder
}

// Plugin is one loaded script.
type Plugin struct {
	Name string
	Path string

	vm     *goja.Runtime
	host   *Host
	log    *glog.Logger
	hooks  map[int64]*handle
	nextID int64
}

type handle struct {
	info   *hookchain.Info
	target string
	remove func() (bool, error)
}

// LoadDir loads every .js file of dir in name order.
func (h *Host) LoadDir(dir string) ([]*Plugin, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.js"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	plugins := make([]*Plugin, 0, len(paths))
	for _, p := range paths {
		pl, err := h.Load(p)
		if err != nil {
			return plugins, err
		}
		plugins = append(plugins, pl)
	}
	return plugins, nil
}

// Load runs the script at path.
func (h *Host) Load(path string) (*Plugin, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	p, err := h.LoadSource(name, string(src))
	if p != nil {
		p.Path = path
	}
	return p, err
}

// LoadSource runs src as the plugin called name. Hooks registered before a
// failure stay registered; Close removes them.
func (h *Host) LoadSource(name, src string) (*Plugin, error) {
	p := &Plugin{
		Name:  name,
		vm:    goja.New(),
		host:  h,
		log:   glog.Or(h.Log).WithChain("script:" + name),
		hooks: make(map[int64]*handle),
	}
	if err := p.vm.Set("vhook", p.api()); err != nil {
		return nil, err
	}
	if _, err := p.vm.RunScript(name+".js", src); err != nil {
		return p, fmt.Errorf("plugin %s: %w", name, err)
	}
	p.log.Debug("loaded", zap.Int("hooks", len(p.hooks)))
	return p, nil
}

// Hooks returns the number of live subscriptions.
func (p *Plugin) Hooks() int { return len(p.hooks) }

// Close removes every hook the plugin registered.
func (p *Plugin) Close() error {
	var errs []error
	for id := range p.hooks {
		if _, err := p.unhook(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Plugin) api() *goja.Object {
	o := p.vm.NewObject()
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = o.Set(name, fn)
	}
	set("hook", p.jsHook)
	set("vhook", p.jsVHook)
	set("unhook", func(c goja.FunctionCall) goja.Value {
		ok, err := p.unhook(c.Argument(0).ToInteger())
		if err != nil {
			panic(p.vm.NewGoError(err))
		}
		return p.vm.ToValue(ok)
	})
	set("enable", func(c goja.FunctionCall) goja.Value {
		return p.vm.ToValue(p.setState(c.Argument(0).ToInteger(), hookchain.Enabled))
	})
	set("disable", func(c goja.FunctionCall) goja.Value {
		return p.vm.ToValue(p.setState(c.Argument(0).ToInteger(), hookchain.Disabled))
	})
	set("log", func(c goja.FunctionCall) goja.Value {
		parts := make([]string, len(c.Arguments))
		for i, a := range c.Arguments {
			parts[i] = a.String()
		}
		msg := strings.Join(parts, " ")
		p.log.Info(msg)
		p.host.Rec.Record(p.Name, trace.Script, msg)
		return goja.Undefined()
	})
	set("readString", func(c goja.FunctionCall) goja.Value {
		s, err := p.emu().MemReadString(toU64(c.Argument(0)), 4096)
		if err != nil {
			panic(p.vm.NewGoError(err))
		}
		return p.vm.ToValue(s)
	})
	set("readU64", func(c goja.FunctionCall) goja.Value {
		v, err := p.emu().MemReadU64(toU64(c.Argument(0)))
		if err != nil {
			panic(p.vm.NewGoError(err))
		}
		return p.num(v)
	})
	_ = o.Set("priority", map[string]int{
		"low":             int(hookchain.PriorityLow),
		"medium":          int(hookchain.PriorityMedium),
		"default":         int(hookchain.PriorityDefault),
		"high":            int(hookchain.PriorityHigh),
		"uninterruptable": int(hookchain.PriorityUninterruptable),
	})
	return o
}

func (p *Plugin) emu() *emulator.Emulator {
	if p.host.Emu == nil {
		panic(p.vm.NewTypeError("no emulator attached"))
	}
	return p.host.Emu
}

// vhook.hook(name, priority, fn)
func (p *Plugin) jsHook(c goja.FunctionCall) goja.Value {
	name := c.Argument(0).String()
	prio := p.priority(c.Argument(1))
	fn := p.callable(c.Argument(2))
	if p.host.Imports == nil {
		panic(p.vm.NewTypeError("no import registry attached"))
	}

	chain := p.host.Imports.Hooks(name)
	info, err := chain.RegisterHook(func(cur *hookchain.Cursor[uint64, stubs.Args], a stubs.Args) uint64 {
		var fwd forwarded
		jsChain := p.vm.NewObject()
		_ = jsChain.Set("name", name)
		_ = jsChain.Set("next", func(c goja.FunctionCall) goja.Value {
			return p.num(fwd.set(cur.CallNext(withArgs(a, c.Arguments))))
		})
		_ = jsChain.Set("original", func(c goja.FunctionCall) goja.Value {
			return p.num(fwd.set(cur.CallOriginal(withArgs(a, c.Arguments))))
		})
		args := make([]goja.Value, 0, 1+len(a.X))
		args = append(args, jsChain)
		for _, x := range a.X {
			args = append(args, p.num(x))
		}
		ret, err := fn(goja.Undefined(), args...)
		if err != nil {
			p.thrown(name, err)
			if fwd.done {
				return fwd.ret
			}
			return cur.CallNext(a)
		}
		return toU64(ret)
	}, prio)
	if err != nil {
		panic(p.vm.NewGoError(err))
	}
	return p.vm.ToValue(p.track(name, info, func() (bool, error) {
		return chain.UnregisterHook(info), nil
	}))
}

// vhook.vhook(class, method, priority, fn)
func (p *Plugin) jsVHook(c goja.FunctionCall) goja.Value {
	class := c.Argument(0).String()
	method := c.Argument(1).String()
	prio := p.priority(c.Argument(2))
	fn := p.callable(c.Argument(3))

	b, ok := p.host.Classes[class]
	if !ok {
		panic(p.vm.NewGoError(fmt.Errorf("%w: %s", ErrUnknownClass, class)))
	}
	target := class + "::" + method
	info, err := b.Hook(method, func(cur *hookchain.ClassCursor[uint64, virtual.Object, virtual.Args], this virtual.Object, a virtual.Args) uint64 {
		var fwd forwarded
		jsChain := p.vm.NewObject()
		_ = jsChain.Set("name", target)
		_ = jsChain.Set("next", func(c goja.FunctionCall) goja.Value {
			t, na := withMethodArgs(this, a, c.Arguments)
			return p.num(fwd.set(cur.CallNext(t, na)))
		})
		_ = jsChain.Set("original", func(c goja.FunctionCall) goja.Value {
			t, na := withMethodArgs(this, a, c.Arguments)
			return p.num(fwd.set(cur.CallOriginal(t, na)))
		})
		args := make([]goja.Value, 0, 2+len(a.X))
		args = append(args, jsChain, p.num(uint64(this)))
		for _, x := range a.X {
			args = append(args, p.num(x))
		}
		ret, err := fn(goja.Undefined(), args...)
		if err != nil {
			p.thrown(target, err)
			if fwd.done {
				return fwd.ret
			}
			return cur.CallNext(this, a)
		}
		return toU64(ret)
	}, prio)
	if err != nil {
		panic(p.vm.NewGoError(err))
	}
	return p.vm.ToValue(p.track(target, info, func() (bool, error) {
		return b.Unhook(method, info)
	}))
}

// forwarded records the last result a hook got from chain.next or
// chain.original. A hook that throws after forwarding returns it instead of
// running the rest of the chain again.
type forwarded struct {
	done bool
	ret  uint64
}

func (f *forwarded) set(ret uint64) uint64 {
	f.done, f.ret = true, ret
	return ret
}

func (p *Plugin) track(target string, info *hookchain.Info, remove func() (bool, error)) int64 {
	p.nextID++
	id := p.nextID
	p.hooks[id] = &handle{info: info, target: target, remove: remove}
	p.log.Debug("hook", zap.Int64("id", id), glog.Fn(target), zap.Stringer("prio", info.Priority()))
	p.host.Rec.Record(target, trace.Script, fmt.Sprintf("%s#%d", p.Name, id))
	return id
}

func (p *Plugin) unhook(id int64) (bool, error) {
	h, ok := p.hooks[id]
	if !ok {
		return false, nil
	}
	delete(p.hooks, id)
	return h.remove()
}

func (p *Plugin) setState(id int64, s hookchain.State) bool {
	h, ok := p.hooks[id]
	if !ok {
		return false
	}
	h.info.SetState(s)
	return true
}

func (p *Plugin) thrown(target string, err error) {
	p.log.Warn("hook threw", glog.Fn(target), zap.Error(err))
	p.host.Rec.Record(target, trace.Script, "exception: "+err.Error())
}

func (p *Plugin) priority(v goja.Value) hookchain.Priority {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return hookchain.PriorityDefault
	}
	prio, err := hookchain.ParsePriority(v.String())
	if err != nil {
		panic(p.vm.NewGoError(err))
	}
	return prio
}

func (p *Plugin) callable(v goja.Value) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(p.vm.NewTypeError("hook must be a function"))
	}
	return fn
}

func withArgs(a stubs.Args, override []goja.Value) stubs.Args {
	for i, v := range override {
		if i < len(a.X) && !goja.IsUndefined(v) {
			a.X[i] = toU64(v)
		}
	}
	return a
}

func withMethodArgs(this virtual.Object, a virtual.Args, override []goja.Value) (virtual.Object, virtual.Args) {
	if len(override) > 0 && !goja.IsUndefined(override[0]) {
		this = virtual.Object(toU64(override[0]))
	}
	for i, v := range override[min(len(override), 1):] {
		if i < len(a.X) && !goja.IsUndefined(v) {
			a.X[i] = toU64(v)
		}
	}
	return this, a
}

// Registers travel as JS numbers; negative values wrap like C casts.
func toU64(v goja.Value) uint64 {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return uint64(v.ToInteger())
}

func (p *Plugin) num(x uint64) goja.Value {
	return p.vm.ToValue(int64(x))
}
