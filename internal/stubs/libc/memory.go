// Package libc provides stub implementations for libc functions.
// Import it (or stubs/all) to register them with the default registry.
package libc

import (
	"github.com/zboralski/vhook/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "malloc", stubMalloc)
	stubs.RegisterFunc("libc", "calloc", stubCalloc)
	stubs.RegisterFunc("libc", "realloc", stubRealloc)
	stubs.RegisterFunc("libc", "free", stubFree)
	stubs.RegisterFunc("libc", "getpagesize", stubGetPageSize)

	// C++ operator new/delete
	stubs.Register(stubs.Def{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Category: "libc",
		Stub:     stubMalloc,
	})
	stubs.Register(stubs.Def{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Category: "libc",
		Stub:     stubFree,
	})
}

// maxZero bounds the bytes cleared per allocation; the heap starts zeroed.
const maxZero = 4096

func alloc(a stubs.Args, size uint64) uint64 {
	ptr := a.Emu.Malloc(size)
	if ptr != 0 {
		_ = a.Emu.MemWrite(ptr, make([]byte, min(size, maxZero)))
	}
	return ptr
}

func stubMalloc(a stubs.Args) uint64 {
	size := a.X[0]
	ptr := alloc(a, size)
	a.Log(stubs.FormatPtrPair("size", size, "->", ptr))
	return ptr
}

func stubCalloc(a stubs.Args) uint64 {
	count, size := a.X[0], a.X[1]
	if size != 0 && count > (^uint64(0))/size {
		a.Log("overflow")
		return 0
	}
	total := count * size
	ptr := alloc(a, total)
	a.Log(stubs.FormatPtrPair("total", total, "->", ptr))
	return ptr
}

// stubRealloc never frees; the old block is copied and leaked.
func stubRealloc(a stubs.Args) uint64 {
	old, size := a.X[0], a.X[1]
	ptr := alloc(a, size)
	if old != 0 && ptr != 0 && size > 0 {
		if data, err := a.Emu.MemRead(old, min(size, maxCopy)); err == nil {
			_ = a.Emu.MemWrite(ptr, data)
		}
	}
	a.Log(stubs.FormatPtrPair("size", size, "->", ptr))
	return ptr
}

func stubFree(a stubs.Args) uint64 {
	a.Log(stubs.FormatPtr("ptr", a.X[0]))
	return 0
}

func stubGetPageSize(a stubs.Args) uint64 {
	a.Log("-> 4096")
	return 4096
}
