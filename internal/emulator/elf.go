package emulator

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257  // Absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT  = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE  = 1027 // Position-independent data reference
)

// ErrNotARM64 is returned for ELF files of another machine.
var ErrNotARM64 = errors.New("emulator: not an ARM64 ELF")

// ELFInfo contains parsed ELF metadata
type ELFInfo struct {
	Path     string
	Entry    uint64
	Symbols  map[string]uint64 // symbol name -> virtual address
	Imports  map[string]uint64 // external symbol -> PLT entry address
	Segments []Segment
	BaseAddr uint64
	EndAddr  uint64
	Bias     uint64 // relocation offset applied to file addresses
	RELRO    [2]uint64
	VTables  *VTableMap
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr uint64
	Size  uint64 // File size
	MemSz uint64 // Memory size (may be larger due to .bss)
	Flags elf.ProgFlag
}

// LoadELFBase is where position-independent libraries are relocated.
const LoadELFBase = 0x40000000

// LoadELF loads an ELF file and maps it into the emulator.
func (e *Emulator) LoadELF(path string) (*ELFInfo, error) {
	return e.LoadELFAt(path, 0)
}

// LoadELFAt loads an ELF file at loadBase, or at its own addresses (shared
// objects at LoadELFBase) when loadBase is 0. After relocation the RELRO
// segment is made read-only, so vtables need a protection cycle to patch.
func (e *Emulator) LoadELFAt(path string, loadBase uint64) (*ELFInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%w: %v", ErrNotARM64, f.Machine)
	}

	fileBase, fileEnd := ^uint64(0), uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		fileBase = min(fileBase, prog.Vaddr)
		fileEnd = max(fileEnd, prog.Vaddr+prog.Memsz)
	}
	if fileBase == ^uint64(0) {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	var bias uint64
	switch {
	case loadBase != 0:
		bias = loadBase - fileBase
	case fileBase < 0x10000:
		bias = LoadELFBase - fileBase
	}

	info := &ELFInfo{
		Path:     path,
		Entry:    f.Entry + bias,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		BaseAddr: fileBase + bias,
		EndAddr:  fileEnd + bias,
		Bias:     bias,
	}

	for _, load := range []func() ([]elf.Symbol, error){f.DynamicSymbols, f.Symbols} {
		syms, _ := load()
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				info.Symbols[cleanSymbolName(sym.Name)] = sym.Value + bias
			}
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	mapped := make(map[uint64]bool)
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_GNU_RELRO:
			info.RELRO = [2]uint64{prog.Vaddr + bias, prog.Vaddr + bias + prog.Memsz}
			continue
		case elf.PT_LOAD:
		default:
			continue
		}

		vaddr := prog.Vaddr + bias
		info.Segments = append(info.Segments, Segment{
			VAddr: vaddr,
			Size:  prog.Filesz,
			MemSz: prog.Memsz,
			Flags: prog.Flags,
		})

		if err := e.mapPages(mapped, vaddr, prog.Memsz); err != nil {
			return nil, err
		}
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			if err := e.MemWrite(vaddr, fileData[prog.Off:prog.Off+prog.Filesz]); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", vaddr, err)
			}
		}
		if prog.Memsz > prog.Filesz {
			_ = e.MemWrite(vaddr+prog.Filesz, make([]byte, prog.Memsz-prog.Filesz))
		}
	}

	addPLTSymbols(f, bias, info.Symbols, info.Imports)

	if err := e.applyRelocations(f, bias, info.Imports); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}

	if vt, err := BuildVTableMap(f, bias); err == nil {
		info.VTables = vt
	}

	if lo, hi := info.RELRO[0]&^(pageSize-1), info.RELRO[1]&^(pageSize-1); hi > lo {
		if err := e.mu.MemProtect(lo, hi-lo, uc.PROT_READ); err != nil {
			return nil, fmt.Errorf("protect RELRO 0x%x: %w", lo, err)
		}
	}
	return info, nil
}

// mapPages maps the pages covering [addr, addr+size) that are not mapped yet.
func (e *Emulator) mapPages(mapped map[uint64]bool, addr, size uint64) error {
	start := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	for p := start; p < end; {
		if mapped[p] {
			p += pageSize
			continue
		}
		run := p
		for run < end && !mapped[run] {
			mapped[run] = true
			run += pageSize
		}
		if err := e.MapRegion(p, run-p); err != nil {
			return fmt.Errorf("map 0x%x: %w", p, err)
		}
		p = run
	}
	return nil
}

// addPLTSymbols records the PLT entry of every external function.
// ARM64 PLT: 32-byte header, then 16 bytes per .rela.plt entry.
func addPLTSymbols(f *elf.File, bias uint64, symbols, imports map[string]uint64) {
	pltSec := f.Section(".plt")
	relaPlt := f.Section(".rela.plt")
	if pltSec == nil || relaPlt == nil {
		return
	}
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}
	relaData, err := relaPlt.Data()
	if err != nil {
		return
	}

	const pltHeaderSize, pltEntrySize = 32, 16
	pltBase := pltSec.Addr + bias

	for i, entry := 0, 0; i+24 <= len(relaData); i, entry = i+24, entry+1 {
		symIdx := int(binary.LittleEndian.Uint64(relaData[i+8:]) >> 32)
		// debug/elf drops STN_UNDEF, so symbol n is dynSyms[n-1].
		if symIdx < 1 || symIdx > len(dynSyms) {
			continue
		}
		sym := dynSyms[symIdx-1]
		if sym.Name == "" || sym.Value != 0 {
			continue
		}
		addr := pltBase + pltHeaderSize + uint64(entry)*pltEntrySize
		name := cleanSymbolName(sym.Name)
		symbols[name] = addr
		imports[name] = addr
	}
}

// applyRelocations fills GOT and data pointers. External symbols resolve to
// their PLT entry so calls through pointers still reach the import hooks.
func (e *Emulator) applyRelocations(f *elf.File, bias uint64, imports map[string]uint64) error {
	dynSyms, _ := f.DynamicSymbols()
	symAt := func(idx int) (elf.Symbol, bool) {
		if idx < 1 || idx > len(dynSyms) {
			return elf.Symbol{}, false
		}
		return dynSyms[idx-1], true
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA || (sec.Name != ".rela.dyn" && sec.Name != ".rela.plt") {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}

		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := binary.LittleEndian.Uint64(data[i+16:])
			target := rOffset + bias
			sym, hasSym := symAt(int(rInfo >> 32))

			var resolved uint64
			switch uint32(rInfo) {
			case R_AARCH64_RELATIVE:
				resolved = bias + rAddend
			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
				switch {
				case !hasSym:
				case sym.Value != 0:
					resolved = sym.Value + bias
				case sym.Name == "__stack_chk_guard":
					resolved = TLSBase + 0x28
				case sym.Name == "_ctype_":
					resolved = LibcBase + CtypeTableOffset + 1
				default:
					resolved = imports[cleanSymbolName(sym.Name)]
				}
			case R_AARCH64_ABS64:
				switch {
				case !hasSym:
					if rAddend != 0 {
						resolved = bias + rAddend
					}
				case sym.Value != 0:
					resolved = sym.Value + bias + rAddend
				default:
					if stub, ok := imports[cleanSymbolName(sym.Name)]; ok {
						resolved = stub + rAddend
					}
				}
			}
			if resolved != 0 {
				_ = e.MemWriteU64(target, resolved)
			}
		}
	}
	return nil
}

// cleanSymbolName removes version suffixes from symbol names
func cleanSymbolName(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

// FindSymbol looks up a symbol by name, returns 0 if not found
func (info *ELFInfo) FindSymbol(name string) uint64 {
	return info.Symbols[name]
}

// FindEntryPoint resolves an entry point by exact, case-insensitive or
// substring match, falling back to the ELF entry.
func (info *ELFInfo) FindEntryPoint(preferred string) uint64 {
	if preferred == "" {
		return info.Entry
	}
	if addr := info.FindSymbol(preferred); addr != 0 {
		return addr
	}
	lower := strings.ToLower(preferred)
	var sub uint64
	for name, addr := range info.Symbols {
		if strings.EqualFold(name, preferred) {
			return addr
		}
		if sub == 0 && strings.Contains(strings.ToLower(name), lower) {
			sub = addr
		}
	}
	if sub != 0 {
		return sub
	}
	return info.Entry
}

// IsExecutable returns true if the segment is executable
func (s *Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}

// IsWritable returns true if the segment is writable
func (s *Segment) IsWritable() bool {
	return s.Flags&elf.PF_W != 0
}
