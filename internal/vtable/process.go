package vtable

import (
	"errors"
	"unsafe"
)

// ErrNullAddress is returned for accesses to address 0.
var ErrNullAddress = errors.New("vtable: null address")

// ProcessMemory is the address space of the running process. Addresses are
// raw pointers; a bad address faults the process like it would in C.
type ProcessMemory struct {
	pageSize uint64
}

// NewProcessMemory returns the live process address space.
func NewProcessMemory() *ProcessMemory {
	return &ProcessMemory{pageSize: uint64(pageSize())}
}

// PointerSize implements Memory.
func (m *ProcessMemory) PointerSize() int { return int(unsafe.Sizeof(uintptr(0))) }

// ReadPointer implements Memory.
func (m *ProcessMemory) ReadPointer(addr uint64) (uint64, error) {
	if addr == 0 {
		return 0, ErrNullAddress
	}
	return uint64(*(*uintptr)(unsafe.Pointer(uintptr(addr)))), nil
}

// WritePointer implements Memory.
func (m *ProcessMemory) WritePointer(addr, value uint64) error {
	if addr == 0 {
		return ErrNullAddress
	}
	*(*uintptr)(unsafe.Pointer(uintptr(addr))) = uintptr(value)
	return nil
}

// Protect implements Memory.
func (m *ProcessMemory) Protect(addr, size uint64, prot Prot) (Prot, error) {
	if addr == 0 {
		return ProtNone, ErrNullAddress
	}
	start, length := pageRange(addr, size, m.pageSize)
	return protect(start, length, prot)
}

// pageRange widens [addr, addr+size) to whole pages.
func pageRange(addr, size, page uint64) (start, length uint64) {
	start = addr &^ (page - 1)
	end := (addr + size + page - 1) &^ (page - 1)
	return start, end - start
}
