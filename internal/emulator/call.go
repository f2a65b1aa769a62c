package emulator

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const (
	maxDepth     = 64
	sentinelArea = 0x100
)

var (
	// ErrCallDepth is returned when nested calls exceed maxDepth.
	ErrCallDepth = errors.New("emulator: call depth exceeded")
	// ErrTooManyArgs is returned for more than eight register arguments.
	ErrTooManyArgs = errors.New("emulator: more than 8 arguments")
	// ErrInsnLimit is returned by CallLimit when the budget runs out first.
	ErrInsnLimit = errors.New("emulator: instruction limit reached")
)

// savedRegs are preserved across Call. PC is left alone: writing it from a
// hook restarts translation at the hooked address.
var savedRegs = func() []int {
	regs := make([]int, 0, 34)
	for n := 0; n <= 30; n++ {
		regs = append(regs, xreg(n))
	}
	return append(regs, uc.ARM64_REG_SP, uc.ARM64_REG_NZCV)
}()

// Call runs the emulated function at addr with up to eight arguments in
// X0-X7 and returns X0. It may be used from inside an address hook, where
// it nests a new emulation run; all general registers are restored
// afterwards.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	return e.call(addr, 0, args)
}

// CallLimit is Call with an instruction budget (0 = unlimited).
func (e *Emulator) CallLimit(addr, maxInsn uint64, args ...uint64) (uint64, error) {
	return e.call(addr, maxInsn, args)
}

func (e *Emulator) call(addr, maxInsn uint64, args []uint64) (uint64, error) {
	if len(args) > 8 {
		return 0, ErrTooManyArgs
	}
	if e.depth >= maxDepth {
		return 0, fmt.Errorf("%w: %d", ErrCallDepth, e.depth)
	}

	saved := make([]uint64, len(savedRegs))
	for i, r := range savedRegs {
		saved[i], _ = e.mu.RegRead(r)
	}
	defer func() {
		for i, r := range savedRegs {
			_ = e.mu.RegWrite(r, saved[i])
		}
	}()

	for i, a := range args {
		if err := e.SetX(i, a); err != nil {
			return 0, err
		}
	}
	sentinel := StubBase + uint64(e.depth)*4
	if err := e.SetLR(sentinel); err != nil {
		return 0, err
	}
	// Keep the stack 16-byte aligned below the caller's frame.
	if err := e.SetSP((e.SP() - 0x100) &^ 15); err != nil {
		return 0, err
	}

	e.depth++
	stopped := e.stopped
	e.stopped = false
	var err error
	if maxInsn == 0 {
		err = e.mu.Start(addr, sentinel)
	} else {
		err = e.mu.StartWithOptions(addr, sentinel, &uc.UcOptions{Count: maxInsn})
	}
	e.depth--
	wasStopped := e.stopped
	e.stopped = stopped

	if err != nil {
		return 0, fmt.Errorf("call 0x%x: %w", addr, err)
	}
	if maxInsn > 0 && !wasStopped && e.PC() != sentinel {
		return e.X(0), fmt.Errorf("call 0x%x: %w at 0x%x", addr, ErrInsnLimit, e.PC())
	}
	if wasStopped && e.PC() != sentinel {
		return e.X(0), fmt.Errorf("call 0x%x: stopped at 0x%x", addr, e.PC())
	}
	return e.X(0), nil
}
