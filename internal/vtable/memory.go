// Package vtable redirects virtual table slots of a closed binary.
//
// The package is the unsafe boundary of vhook: it reads and writes raw
// pointers and toggles page protection. Everything above it (hookchain,
// virtual) only sees the Patcher capability implemented by SlotPatch.
package vtable

import "strings"

// Prot is a page protection mask.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2

	ProtRW = ProtRead | ProtWrite
)

func (p Prot) String() string {
	if p == ProtNone {
		return "---"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit Prot
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Memory is an address space holding virtual tables.
// Implementations are expected to be pointer types: the slot Guard keys on
// the Memory value.
type Memory interface {
	// PointerSize is the width of a vtable slot in bytes.
	PointerSize() int
	ReadPointer(addr uint64) (uint64, error)
	WritePointer(addr, value uint64) error
	// Protect sets prot on the pages covering [addr, addr+size) and returns
	// the protection that was in effect before.
	Protect(addr, size uint64, prot Prot) (Prot, error)
}

// SlotAddr returns the address of slot index in the table at table.
func SlotAddr(mem Memory, table uint64, index int) uint64 {
	return table + uint64(index)*uint64(mem.PointerSize())
}
