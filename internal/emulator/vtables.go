package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Itanium ABI: offset_to_top and the RTTI pointer precede the first slot.
const vtableHeader = 16

// VTable is an Itanium C++ virtual table found in the binary.
type VTable struct {
	Name      string // mangled symbol, _ZTV...
	ClassName string // demangled class
	Start     uint64 // symbol address
	Size      uint64
	Slots     map[int]SlotInfo
}

// SlotInfo describes one resolved slot.
type SlotInfo struct {
	Index     int
	Target    uint64
	SymName   string // mangled
	Method    string // demangled, without class qualifier
	RelocType uint32
}

// Table returns the address the instances point to: the first slot, past
// the RTTI header.
func (v *VTable) Table() uint64 { return v.Start + vtableHeader }

// SlotAddr returns the address of slot index.
func (v *VTable) SlotAddr(index int) uint64 { return v.Table() + uint64(index)*8 }

// Sorted returns the slots ordered by index.
func (v *VTable) Sorted() []SlotInfo {
	out := make([]SlotInfo, 0, len(v.Slots))
	for _, s := range v.Slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Find returns the first slot whose demangled method name is method.
func (v *VTable) Find(method string) (SlotInfo, bool) {
	for _, s := range v.Sorted() {
		if s.Method == method {
			return s, true
		}
	}
	return SlotInfo{}, false
}

// VTableMap indexes the virtual tables of a binary.
type VTableMap struct {
	Tables  map[uint64]*VTable // symbol address -> table
	ByClass map[string]*VTable
}

// Class returns the table of class.
func (m *VTableMap) Class(name string) (*VTable, error) {
	if m == nil {
		return nil, fmt.Errorf("no vtable for %s", name)
	}
	v, ok := m.ByClass[name]
	if !ok {
		return nil, fmt.Errorf("no vtable for %s", name)
	}
	return v, nil
}

// Classes returns the sorted class names.
func (m *VTableMap) Classes() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.ByClass))
	for n := range m.ByClass {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildVTableMap resolves vtable slots from the ELF relocations, the way the
// dynamic linker fills them.
func BuildVTableMap(f *elf.File, bias uint64) (*VTableMap, error) {
	vtm := &VTableMap{
		Tables:  make(map[uint64]*VTable),
		ByClass: make(map[string]*VTable),
	}

	dynSyms, _ := f.DynamicSymbols()
	staticSyms, _ := f.Symbols()

	var vtSyms []elf.Symbol
	funcAt := make(map[uint64]string)
	for _, syms := range [][]elf.Symbol{dynSyms, staticSyms} {
		for _, s := range syms {
			if s.Value == 0 || s.Name == "" {
				continue
			}
			if strings.HasPrefix(s.Name, "_ZTV") {
				vtSyms = append(vtSyms, s)
			}
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
				addr := s.Value + bias
				if _, ok := funcAt[addr]; !ok {
					funcAt[addr] = cleanSymbolName(s.Name)
				}
			}
		}
	}
	sort.Slice(vtSyms, func(i, j int) bool { return vtSyms[i].Value < vtSyms[j].Value })
	// .dynsym and .symtab usually both carry the same vtables.
	uniq := vtSyms[:0]
	for _, s := range vtSyms {
		if len(uniq) == 0 || uniq[len(uniq)-1].Value != s.Value {
			uniq = append(uniq, s)
		}
	}
	vtSyms = uniq

	for i, s := range vtSyms {
		start := s.Value + bias
		size := s.Size
		if size == 0 {
			size = 0x400
			if i+1 < len(vtSyms) {
				size = vtSyms[i+1].Value - s.Value
			}
		}
		v := &VTable{
			Name:      s.Name,
			ClassName: ClassName(s.Name),
			Start:     start,
			Size:      size,
			Slots:     make(map[int]SlotInfo),
		}
		vtm.Tables[start] = v
		if v.ClassName != "" {
			vtm.ByClass[v.ClassName] = v
		}
	}

	starts := make([]uint64, 0, len(vtm.Tables))
	for s := range vtm.Tables {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	containing := func(addr uint64) *VTable {
		i := sort.Search(len(starts), func(i int) bool { return starts[i] > addr }) - 1
		if i < 0 {
			return nil
		}
		v := vtm.Tables[starts[i]]
		if addr >= v.Start+v.Size {
			return nil
		}
		return v
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
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
			relType := uint32(rInfo)
			symIdx := int(rInfo >> 32)

			target := rOffset + bias
			v := containing(target)
			if v == nil || target < v.Table() {
				continue
			}

			var sym elf.Symbol
			if symIdx >= 1 && symIdx <= len(dynSyms) {
				sym = dynSyms[symIdx-1]
			}

			var resolved uint64
			switch relType {
			case R_AARCH64_RELATIVE:
				resolved = bias + rAddend
			case R_AARCH64_ABS64:
				resolved = bias + rAddend
				if sym.Value != 0 {
					resolved += sym.Value
				}
			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
				if sym.Value != 0 {
					resolved = sym.Value + bias
				}
			default:
				continue
			}
			if resolved == 0 {
				continue
			}

			name := cleanSymbolName(sym.Name)
			if name == "" {
				name = funcAt[resolved]
			}
			index := int((target - v.Table()) / 8)
			v.Slots[index] = SlotInfo{
				Index:     index,
				Target:    resolved,
				SymName:   name,
				Method:    MethodName(name),
				RelocType: relType,
			}
		}
	}
	return vtm, nil
}

// ClassName demangles a _ZTV symbol to its class name.
// _ZTVN7cocos2d8LuaStackE -> cocos2d::LuaStack
func ClassName(mangled string) string {
	if !strings.HasPrefix(mangled, "_ZTV") {
		return ""
	}
	s, err := demangle.ToString(mangled, demangle.NoParams)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(s, "vtable for ")
}

// MethodName returns the unqualified method of a mangled function symbol.
// _ZN6Player10TakeDamageEi -> TakeDamage
func MethodName(mangled string) string {
	if mangled == "" {
		return ""
	}
	s, err := demangle.ToString(mangled, demangle.NoParams, demangle.NoTemplateParams)
	if err != nil {
		return mangled
	}
	if i := strings.LastIndex(s, "::"); i >= 0 {
		return s[i+2:]
	}
	return s
}
