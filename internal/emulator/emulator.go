// Package emulator hosts a closed ARM64 binary on the Unicorn engine so its
// imports and virtual methods can be intercepted from Go.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for code
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB heap
	TLSBase   = 0xDEAC0000 // Thread Local Storage
	TLSSize   = 0x00010000
	LibcBase  = 0xDEAD0000 // libc globals (_ctype_)
	LibcSize  = 0x00010000
	StubBase  = 0xF0000000 // import stubs and trampolines
	StubSize  = 0x00100000
)

// Libc global layout
const (
	CtypeTableOffset uint64 = 0x0000 // 257 bytes, index -1 to 255
	CtypePtrOffset   uint64 = 0x0200
)

// StackCanary is the value of __stack_chk_guard at TLS+0x28.
const StackCanary = 0xDEADBEEFDEADBEEF

// retInsn is the ARM64 RET encoding.
var retInsn = []byte{0xc0, 0x03, 0x5f, 0xd6}

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address.
// Return true to stop emulation.
type AddressHookFunc func(emu *Emulator) bool

// Emulator wraps Unicorn for ARM64 emulation
type Emulator struct {
	mu uc.Unicorn

	heapPtr uint64

	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// stub region bump pointer shared by import stubs and trampolines
	stubPtr uint64

	// nested Call depth; each level returns to its own sentinel
	depth int

	stopped bool
	mem     *Memory
}

// New creates a new ARM64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		stubPtr:   StubBase + sentinelArea,
		addrHooks: make(map[uint64]AddressHookFunc),
	}
	emu.mem = &Memory{emu: emu}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		prot int
		name string
	}{
		{CodeBase, CodeSize, uc.PROT_ALL, "code"},
		{StackBase, StackSize, uc.PROT_READ | uc.PROT_WRITE, "stack"},
		{HeapBase, HeapSize, uc.PROT_READ | uc.PROT_WRITE, "heap"},
		{TLSBase, TLSSize, uc.PROT_READ | uc.PROT_WRITE, "tls"},
		{LibcBase, LibcSize, uc.PROT_READ | uc.PROT_WRITE, "libc"},
		{StubBase, StubSize, uc.PROT_READ | uc.PROT_EXEC, "stubs"},
	}
	for _, r := range regions {
		if err := e.mu.MemMapProt(r.base, r.size, r.prot); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer; compiled code reads the canary at +0x28.
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}
	if err := e.MemWriteU64(TLSBase+0x28, StackCanary); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	if err := e.mu.MemWrite(LibcBase+CtypeTableOffset, ctypeTable()); err != nil {
		return fmt.Errorf("init _ctype_ table: %w", err)
	}
	if err := e.MemWriteU64(LibcBase+CtypePtrOffset, LibcBase+CtypeTableOffset+1); err != nil {
		return fmt.Errorf("init _ctype_ pointer: %w", err)
	}

	// Sentinels: one RET per nesting level, the return address of Call.
	for i := uint64(0); i < maxDepth; i++ {
		if err := e.mu.MemWrite(StubBase+i*4, retInsn); err != nil {
			return fmt.Errorf("write sentinel %d: %w", i, err)
		}
	}
	return nil
}

// ctypeTable builds the bionic _ctype_ classification table.
// Index 0 is EOF; flags are _U=0x01 _L=0x02 _N=0x04 _S=0x08 _P=0x10 _C=0x20
// _B=0x40 _X=0x80.
func ctypeTable() []byte {
	t := make([]byte, 257)
	for i := 0; i < 256; i++ {
		c := byte(i)
		var flags byte
		switch {
		case c >= 'A' && c <= 'Z':
			flags = 0x01
			if c <= 'F' {
				flags |= 0x80
			}
		case c >= 'a' && c <= 'z':
			flags = 0x02
			if c <= 'f' {
				flags |= 0x80
			}
		case c >= '0' && c <= '9':
			flags = 0x04 | 0x80
		case c == ' ' || c == '\t':
			flags = 0x08 | 0x40
		case c == '\n' || c == '\r' || c == '\f' || c == '\v':
			flags = 0x08
		case c < 0x20 || c == 0x7F:
			flags = 0x20
		case c > 0x20 && c < 0x7F:
			flags = 0x10
		}
		t[i+1] = flags
	}
	return t
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()
		if ok && hook(e) {
			e.Stop()
			return
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)
	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Unicorn exposes the underlying engine.
func (e *Emulator) Unicorn() uc.Unicorn { return e.mu }

// Memory returns the emulated address space as a vtable.Memory.
func (e *Emulator) Memory() *Memory { return e.mem }

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory with full permissions.
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory. Host writes ignore page protection.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemReadString reads a null-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	var out []byte
	for chunk := uint64(64); len(out) < maxLen; addr += chunk {
		n := min(chunk, uint64(maxLen-len(out)))
		data, err := e.mu.MemRead(addr, n)
		if err != nil {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", err
		}
		for i, b := range data {
			if b == 0 {
				return string(append(out, data[:i]...)), nil
			}
		}
		out = append(out, data...)
	}
	return string(out), nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	return e.mu.MemWrite(addr, append([]byte(s), 0))
}

// xreg maps Xn to its Unicorn register id. X29 and X30 are not contiguous
// with X0-X28.
func xreg(n int) int {
	switch n {
	case 29:
		return uc.ARM64_REG_X29
	case 30:
		return uc.ARM64_REG_X30
	}
	return uc.ARM64_REG_X0 + n
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(xreg(n))
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(xreg(n), val)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter. From inside a hook this resumes
// execution at val.
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// ReturnFromStub resumes at LR, returning from a hooked function whose own
// code must not run.
func (e *Emulator) ReturnFromStub() {
	_ = e.SetPC(e.LR())
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Malloc allocates 16-byte aligned memory from the heap. It returns 0 when
// the heap is exhausted, like malloc.
func (e *Emulator) Malloc(size uint64) uint64 {
	size = (size + 15) &^ 15
	if size == 0 {
		size = 16
	}
	if e.heapPtr+size > HeapBase+HeapSize {
		return 0
	}
	addr := e.heapPtr
	e.heapPtr += size
	return addr
}

// HeapUsed returns the number of bytes handed out by Malloc.
func (e *Emulator) HeapUsed() uint64 { return e.heapPtr - HeapBase }

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation from start until PC reaches end.
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// RunLimit is Run with an instruction budget (0 = unlimited).
func (e *Emulator) RunLimit(start, end uint64, maxInsn uint64) error {
	e.stopped = false
	if maxInsn == 0 {
		return e.mu.Start(start, end)
	}
	return e.mu.StartWithOptions(start, end, &uc.UcOptions{Count: maxInsn})
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// ARM64 register constants (re-exported for convenience)
const (
	RegX0  = uc.ARM64_REG_X0
	RegX8  = uc.ARM64_REG_X8
	RegX29 = uc.ARM64_REG_X29
	RegX30 = uc.ARM64_REG_X30
	RegSP  = uc.ARM64_REG_SP
	RegPC  = uc.ARM64_REG_PC
	RegLR  = uc.ARM64_REG_LR
)
