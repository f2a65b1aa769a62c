package libc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zboralski/vhook/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "strcmp", stubStrcmp)
	stubs.RegisterFunc("libc", "strcpy", stubStrcpy)
	stubs.RegisterFunc("libc", "strdup", stubStrdup)
	stubs.RegisterFunc("libc", "memcpy", stubMemcpy, "memmove")
	stubs.RegisterFunc("libc", "memset", stubMemset)
	stubs.RegisterFunc("libc", "puts", stubPuts)
	stubs.RegisterFunc("libc", "abort", stubAbort, "exit", "_exit")
}

const (
	maxString = 4096
	maxCopy   = 0x100000
)

func readString(a stubs.Args, addr uint64) string {
	if addr == 0 {
		return ""
	}
	s, _ := a.Emu.MemReadString(addr, maxString)
	return s
}

func stubStrlen(a stubs.Args) uint64 {
	n := uint64(len(readString(a, a.X[0])))
	a.Log(stubs.FormatPtr("len", n))
	return n
}

func stubStrcmp(a stubs.Args) uint64 {
	s1, s2 := readString(a, a.X[0]), readString(a, a.X[1])
	r := bytes.Compare([]byte(s1), []byte(s2))
	a.Log(fmt.Sprintf("%q %q -> %d", s1, s2, r))
	return uint64(int64(r))
}

func stubStrcpy(a stubs.Args) uint64 {
	dst := a.X[0]
	s := readString(a, a.X[1])
	_ = a.Emu.MemWriteString(dst, s)
	a.Log(fmt.Sprintf("%q", s))
	return dst
}

func stubStrdup(a stubs.Args) uint64 {
	s := readString(a, a.X[0])
	ptr := alloc(a, uint64(len(s))+1)
	if ptr != 0 {
		_ = a.Emu.MemWriteString(ptr, s)
	}
	a.Log(fmt.Sprintf("%q -> %s", s, stubs.FormatHex(ptr)))
	return ptr
}

func stubMemcpy(a stubs.Args) uint64 {
	dst, src, n := a.X[0], a.X[1], a.X[2]
	if n > 0 && n < maxCopy {
		if data, err := a.Emu.MemRead(src, n); err == nil {
			_ = a.Emu.MemWrite(dst, data)
		}
	}
	a.Log(fmt.Sprintf("dst=%s src=%s n=%d", stubs.FormatHex(dst), stubs.FormatHex(src), n))
	return dst
}

func stubMemset(a stubs.Args) uint64 {
	dst, c, n := a.X[0], byte(a.X[1]), a.X[2]
	if n > 0 && n < maxCopy {
		_ = a.Emu.MemWrite(dst, bytes.Repeat([]byte{c}, int(n)))
	}
	a.Log(stubs.FormatPtrPair("dst", dst, "c", uint64(c)))
	return dst
}

func stubPuts(a stubs.Args) uint64 {
	s := readString(a, a.X[0])
	_, _ = io.WriteString(a.Output(), s+"\n")
	a.Log(fmt.Sprintf("%q", s))
	return uint64(len(s) + 1)
}

func stubAbort(a stubs.Args) uint64 {
	a.Log(fmt.Sprintf("status=%d", a.X[0]))
	a.Emu.Stop()
	return 0
}
