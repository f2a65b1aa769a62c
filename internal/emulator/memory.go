package emulator

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/vhook/internal/vtable"
)

const pageSize = 0x1000

var (
	// ErrUnmapped is returned for addresses outside every mapped region.
	ErrUnmapped = errors.New("emulator: unmapped address")
	// ErrReadOnly is returned by Memory.WritePointer on a page without write
	// permission. Unicorn's own host writes ignore protection, so the check
	// is done here to give the emulated process native semantics.
	ErrReadOnly = errors.New("emulator: write to read-only page")
)

// Memory adapts the emulated address space to vtable.Memory.
type Memory struct {
	emu *Emulator

	// Refuse makes Protect fail, simulating a hardened host.
	Refuse bool
}

var _ vtable.Memory = (*Memory)(nil)

// PointerSize implements vtable.Memory.
func (m *Memory) PointerSize() int { return 8 }

// ReadPointer implements vtable.Memory.
func (m *Memory) ReadPointer(addr uint64) (uint64, error) {
	v, err := m.emu.MemReadU64(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: 0x%x: %w", ErrUnmapped, addr, err)
	}
	return v, nil
}

// WritePointer implements vtable.Memory.
func (m *Memory) WritePointer(addr, value uint64) error {
	prot, err := m.prot(addr)
	if err != nil {
		return err
	}
	if prot&uc.PROT_WRITE == 0 {
		return fmt.Errorf("%w: 0x%x", ErrReadOnly, addr)
	}
	return m.emu.MemWriteU64(addr, value)
}

// Protect implements vtable.Memory.
func (m *Memory) Protect(addr, size uint64, prot vtable.Prot) (vtable.Prot, error) {
	if m.Refuse {
		return vtable.ProtNone, fmt.Errorf("mprotect 0x%x: permission denied", addr)
	}
	old, err := m.prot(addr)
	if err != nil {
		return vtable.ProtNone, err
	}
	start := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	if err := m.emu.mu.MemProtect(start, end-start, toUC(prot)); err != nil {
		return vtable.ProtNone, fmt.Errorf("mprotect 0x%x: %w", addr, err)
	}
	return fromUC(old), nil
}

// Prot returns the protection of the page holding addr.
func (m *Memory) Prot(addr uint64) (vtable.Prot, error) {
	p, err := m.prot(addr)
	return fromUC(p), err
}

func (m *Memory) prot(addr uint64) (int, error) {
	regions, err := m.emu.mu.MemRegions()
	if err != nil {
		return 0, err
	}
	for _, r := range regions {
		if addr >= r.Begin && addr <= r.End {
			return r.Prot, nil
		}
	}
	return 0, fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
}

func toUC(p vtable.Prot) int {
	var v int
	if p&vtable.ProtRead != 0 {
		v |= uc.PROT_READ
	}
	if p&vtable.ProtWrite != 0 {
		v |= uc.PROT_WRITE
	}
	if p&vtable.ProtExec != 0 {
		v |= uc.PROT_EXEC
	}
	return v
}

func fromUC(v int) vtable.Prot {
	var p vtable.Prot
	if v&uc.PROT_READ != 0 {
		p |= vtable.ProtRead
	}
	if v&uc.PROT_WRITE != 0 {
		p |= vtable.ProtWrite
	}
	if v&uc.PROT_EXEC != 0 {
		p |= vtable.ProtExec
	}
	return p
}
