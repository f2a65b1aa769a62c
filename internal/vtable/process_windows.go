//go:build windows

package vtable

import (
	"golang.org/x/sys/windows"
)

func pageSize() int { return 4096 }

func protect(start, length uint64, prot Prot) (Prot, error) {
	var old uint32
	if err := windows.VirtualProtect(uintptr(start), uintptr(length), winProt(prot), &old); err != nil {
		return ProtNone, err
	}
	return fromWinProt(old), nil
}

func winProt(p Prot) uint32 {
	switch {
	case p&ProtExec != 0 && p&ProtWrite != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case p&ProtExec != 0 && p&ProtRead != 0:
		return windows.PAGE_EXECUTE_READ
	case p&ProtExec != 0:
		return windows.PAGE_EXECUTE
	case p&ProtWrite != 0:
		return windows.PAGE_READWRITE
	case p&ProtRead != 0:
		return windows.PAGE_READONLY
	}
	return windows.PAGE_NOACCESS
}

func fromWinProt(v uint32) Prot {
	switch v &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE) {
	case windows.PAGE_READONLY:
		return ProtRead
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ProtRW
	case windows.PAGE_EXECUTE:
		return ProtExec
	case windows.PAGE_EXECUTE_READ:
		return ProtRead | ProtExec
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ProtRW | ProtExec
	}
	return ProtNone
}
