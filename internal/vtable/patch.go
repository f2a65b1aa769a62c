package vtable

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	glog "github.com/zboralski/vhook/internal/log"
)

var (
	// ErrSlotBusy is returned when another patch owns the slot.
	ErrSlotBusy = errors.New("vtable: slot already patched")
	// ErrAlreadyRedirected is returned when the slot already holds the
	// trampoline, which would capture the trampoline as the original.
	ErrAlreadyRedirected = errors.New("vtable: slot already points to trampoline")
	// ErrProtect is returned when the host refuses a protection change.
	ErrProtect = errors.New("vtable: protection change refused")
)

type guardKey struct {
	mem  Memory
	addr uint64
}

// Guard tracks which slots are currently patched, so that two patches never
// redirect the same (memory, slot) pair at once.
type Guard struct {
	mu    sync.Mutex
	owner map[guardKey]*SlotPatch
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{owner: make(map[guardKey]*SlotPatch)}
}

// DefaultGuard is used by patches created without an explicit guard.
var DefaultGuard = NewGuard()

func (g *Guard) claim(k guardKey, p *SlotPatch) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.owner[k]; ok && cur != p {
		return false
	}
	g.owner[k] = p
	return true
}

func (g *Guard) release(k guardKey, p *SlotPatch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner[k] == p {
		delete(g.owner, k)
	}
}

// Owned reports whether a patch currently holds the slot at addr in mem.
func (g *Guard) Owned(mem Memory, addr uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.owner[guardKey{mem, addr}]
	return ok
}

// SlotPatch redirects one vtable slot to a trampoline. It implements
// hookchain.Patcher.
type SlotPatch struct {
	mem        Memory
	table      uint64
	index      int
	trampoline uint64
	guard      *Guard
	log        *glog.Logger

	original  uint64
	installed bool
}

// PatchOption configures a SlotPatch.
type PatchOption func(*SlotPatch)

// WithGuard overrides DefaultGuard.
func WithGuard(g *Guard) PatchOption {
	return func(p *SlotPatch) { p.guard = g }
}

// WithLogger sets the logger; the global logger is used otherwise.
func WithLogger(l *glog.Logger) PatchOption {
	return func(p *SlotPatch) { p.log = l }
}

// NewSlotPatch describes a redirection of slot index of the table at table
// to trampoline. Nothing is written until Install.
func NewSlotPatch(mem Memory, table uint64, index int, trampoline uint64, opts ...PatchOption) *SlotPatch {
	p := &SlotPatch{
		mem:        mem,
		table:      table,
		index:      index,
		trampoline: trampoline,
		guard:      DefaultGuard,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = glog.Or(p.log)
	return p
}

// Addr returns the address of the patched slot.
func (p *SlotPatch) Addr() uint64 { return SlotAddr(p.mem, p.table, p.index) }

// Trampoline returns the redirection target.
func (p *SlotPatch) Trampoline() uint64 { return p.trampoline }

// Original returns the captured slot content, 0 when not installed.
func (p *SlotPatch) Original() uint64 { return p.original }

// Installed reports whether the slot is currently redirected by p.
func (p *SlotPatch) Installed() bool { return p.installed }

// Install captures the current slot content and writes the trampoline.
func (p *SlotPatch) Install() error {
	if p.Installed() {
		return nil
	}
	addr := p.Addr()
	key := guardKey{p.mem, addr}
	if !p.guard.claim(key, p) {
		return fmt.Errorf("%w: %s", ErrSlotBusy, glog.Hex(addr))
	}

	cur, err := p.mem.ReadPointer(addr)
	if err != nil {
		p.guard.release(key, p)
		return fmt.Errorf("read slot %s: %w", glog.Hex(addr), err)
	}
	if cur == p.trampoline {
		p.guard.release(key, p)
		return fmt.Errorf("%w: %s", ErrAlreadyRedirected, glog.Hex(addr))
	}
	if err := p.write(addr, p.trampoline); err != nil {
		p.guard.release(key, p)
		return err
	}

	p.original = cur
	p.installed = true
	p.log.SlotPatched(addr, cur, p.trampoline)
	return nil
}

// Restore writes the captured original back. It is a no-op when not
// installed. On failure the patch stays installed and owned.
func (p *SlotPatch) Restore() error {
	if !p.Installed() {
		return nil
	}
	addr := p.Addr()
	if err := p.write(addr, p.original); err != nil {
		return err
	}

	p.log.SlotRestored(addr, p.original)
	p.original = 0
	p.installed = false
	p.guard.release(guardKey{p.mem, addr}, p)
	return nil
}

// write performs the protection cycle around one pointer store.
func (p *SlotPatch) write(addr, value uint64) error {
	size := uint64(p.mem.PointerSize())
	old, err := p.mem.Protect(addr, size, ProtRW)
	if err != nil {
		p.log.Warn("protect refused", glog.Addr(addr), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrProtect, glog.Hex(addr), err)
	}

	werr := p.mem.WritePointer(addr, value)
	if old != ProtRW {
		if _, err := p.mem.Protect(addr, size, old); err != nil {
			p.log.Warn("protect restore failed", glog.Addr(addr), zap.Stringer("prot", old), zap.Error(err))
		}
	}
	if werr != nil {
		return fmt.Errorf("write slot %s: %w", glog.Hex(addr), werr)
	}
	return nil
}
