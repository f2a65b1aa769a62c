//go:build unix

package vtable

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

func pageSize() int { return unix.Getpagesize() }

func protect(start, length uint64, prot Prot) (Prot, error) {
	old := currentProt(start)
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(start))), int(length))
	if err := unix.Mprotect(b, unixProt(prot)); err != nil {
		return ProtNone, err
	}
	return old, nil
}

func unixProt(p Prot) int {
	var v int
	if p&ProtRead != 0 {
		v |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		v |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}

// currentProt looks addr up in /proc/self/maps. Systems without procfs
// report read-only, the protection of a relocated vtable.
func currentProt(addr uint64) Prot {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return ProtRead
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if p, ok := parseMapsLine(sc.Text(), addr); ok {
			return p
		}
	}
	return ProtRead
}

// parseMapsLine matches one "start-end perms ..." line against addr.
func parseMapsLine(line string, addr uint64) (Prot, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ProtNone, false
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return ProtNone, false
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return ProtNone, false
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil || addr < start || addr >= end {
		return ProtNone, false
	}

	var p Prot
	perms := fields[1]
	if strings.IndexByte(perms, 'r') >= 0 {
		p |= ProtRead
	}
	if strings.IndexByte(perms, 'w') >= 0 {
		p |= ProtWrite
	}
	if strings.IndexByte(perms, 'x') >= 0 {
		p |= ProtExec
	}
	return p, true
}
