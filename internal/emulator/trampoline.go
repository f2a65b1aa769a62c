package emulator

import (
	"errors"
	"fmt"
)

// ErrStubSpace is returned when the stub region is full.
var ErrStubSpace = errors.New("emulator: stub region exhausted")

// TrampolineFunc handles a call that landed on a trampoline. Arguments are in
// X0-X7; the handler leaves the result in X0.
type TrampolineFunc func(emu *Emulator)

// Trampoline allocates a fixed-address function in the stub region. Control
// reaching it runs fn and then returns to the caller through the stub's own
// RET, so fn may nest further emulation with Call.
func (e *Emulator) Trampoline(fn TrampolineFunc) (uint64, error) {
	if e.stubPtr+4 > StubBase+StubSize {
		return 0, ErrStubSpace
	}
	addr := e.stubPtr
	if err := e.mu.MemWrite(addr, retInsn); err != nil {
		return 0, fmt.Errorf("write trampoline 0x%x: %w", addr, err)
	}
	e.stubPtr += 4

	e.HookAddress(addr, func(emu *Emulator) bool {
		fn(emu)
		return false
	})
	return addr, nil
}

// IsTrampoline reports whether addr lies in the stub region.
func IsTrampoline(addr uint64) bool {
	return addr >= StubBase+sentinelArea && addr < StubBase+StubSize
}
