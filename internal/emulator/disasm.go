package emulator

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// Line is one decoded instruction.
type Line struct {
	Addr uint64
	Code uint32
	Text string
}

// Disasm decodes n instructions starting at addr.
func (e *Emulator) Disasm(addr uint64, n int) ([]Line, error) {
	code, err := e.MemRead(addr, uint64(n)*4)
	if err != nil {
		return nil, fmt.Errorf("disasm 0x%x: %w", addr, err)
	}
	lines := make([]Line, 0, n)
	for i := 0; i+4 <= len(code); i += 4 {
		lines = append(lines, Line{
			Addr: addr + uint64(i),
			Code: binary.LittleEndian.Uint32(code[i:]),
			Text: Decode(code[i : i+4]),
		})
	}
	return lines, nil
}

// Decode returns the GNU syntax of one instruction, or a .word directive.
func Decode(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code))
	}
	return arm64asm.GNUSyntax(inst)
}

// IsRet reports whether text is a return instruction.
func IsRet(text string) bool {
	return text == "ret" || text == "RET"
}
