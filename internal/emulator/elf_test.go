package emulator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/vhook/internal/vtable"
)

// TestELFLoader loads a real ARM64 shared object named by VHOOK_TEST_ELF.
func TestELFLoader(t *testing.T) {
	testPath := os.Getenv("VHOOK_TEST_ELF")
	if testPath == "" {
		t.Skip("VHOOK_TEST_ELF not set, skipping ELF loader test")
	}
	if _, err := os.Stat(testPath); err != nil {
		t.Skipf("%s: %v", testPath, err)
	}

	emu := newTestEmulator(t)
	info, err := emu.LoadELF(testPath)
	if err != nil {
		t.Fatalf("Failed to load ELF: %v", err)
	}

	t.Logf("Base 0x%x End 0x%x Entry 0x%x Symbols %d Imports %d",
		info.BaseAddr, info.EndAddr, info.Entry, len(info.Symbols), len(info.Imports))

	if info.BaseAddr == 0 || info.BaseAddr > 0xFFFFFFFF {
		t.Errorf("Suspicious base address: 0x%x", info.BaseAddr)
	}
	if len(info.Segments) == 0 {
		t.Error("No segments loaded")
	}

	data, err := emu.MemRead(info.BaseAddr, 4)
	if err != nil {
		t.Errorf("Failed to read memory at base: %v", err)
	}
	if len(data) >= 4 && string(data[1:4]) != "ELF" {
		t.Logf("Data at base: %x (may not be ELF header)", data)
	}

	if info.RELRO[1] > info.RELRO[0]+pageSize {
		p, err := emu.Memory().Prot(info.RELRO[0] + pageSize)
		if err != nil || p&vtable.ProtWrite != 0 {
			t.Errorf("RELRO prot = %s (%v), want read-only", p, err)
		}
	}

	if info.VTables != nil {
		for i, class := range info.VTables.Classes() {
			if i == 5 {
				break
			}
			v, _ := info.VTables.Class(class)
			t.Logf("  %s @ 0x%x: %d slots", class, v.Table(), len(v.Slots))
		}
	}
}

func TestLoadELFErrors(t *testing.T) {
	emu := newTestEmulator(t)

	if _, err := emu.LoadELF(filepath.Join(t.TempDir(), "missing.so")); err == nil {
		t.Error("expected error for missing file")
	}

	// The test binary itself is a valid ELF on Linux, usually not ARM64.
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	_, err = emu.LoadELF(exe)
	switch {
	case err == nil:
		// running natively on arm64 linux
	case errors.Is(err, ErrNotARM64):
	default:
		t.Logf("LoadELF(%s): %v", exe, err)
	}
}

func TestFindEntryPoint(t *testing.T) {
	info := &ELFInfo{
		Entry: 0x1000,
		Symbols: map[string]uint64{
			"JNI_OnLoad":  0x2000,
			"il2cpp_init": 0x3000,
		},
	}

	tests := []struct {
		preferred string
		want      uint64
	}{
		{"", 0x1000},
		{"il2cpp_init", 0x3000},
		{"JNI_ONLOAD", 0x2000},
		{"onload", 0x2000},
		{"nonexistent", 0x1000},
	}
	for _, tt := range tests {
		if got := info.FindEntryPoint(tt.preferred); got != tt.want {
			t.Errorf("FindEntryPoint(%q) = 0x%x, want 0x%x", tt.preferred, got, tt.want)
		}
	}
}

func TestClassName(t *testing.T) {
	tests := []struct {
		mangled string
		want    string
	}{
		{"_ZTVN7cocos2d8LuaStackE", "cocos2d::LuaStack"},
		{"_ZTV6Player", "Player"},
		{"_ZN6Player10TakeDamageEi", ""},
		{"not_mangled", ""},
	}
	for _, tt := range tests {
		if got := ClassName(tt.mangled); got != tt.want {
			t.Errorf("ClassName(%q) = %q, want %q", tt.mangled, got, tt.want)
		}
	}
}

func TestMethodName(t *testing.T) {
	tests := []struct {
		mangled string
		want    string
	}{
		{"_ZN6Player10TakeDamageEi", "TakeDamage"},
		{"_ZN7cocos2d8LuaStack11executeNodeEPNS_4NodeEi", "executeNode"},
		{"plain_c_function", "plain_c_function"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := MethodName(tt.mangled); got != tt.want {
			t.Errorf("MethodName(%q) = %q, want %q", tt.mangled, got, tt.want)
		}
	}
}

func TestVTableSlots(t *testing.T) {
	v := &VTable{
		Start: 0x1000,
		Slots: map[int]SlotInfo{
			3: {Index: 3, Method: "Update"},
			1: {Index: 1, Method: "TakeDamage"},
			2: {Index: 2, Method: "TakeDamage"},
		},
	}
	if v.Table() != 0x1010 || v.SlotAddr(2) != 0x1020 {
		t.Errorf("Table=0x%x SlotAddr(2)=0x%x", v.Table(), v.SlotAddr(2))
	}
	sorted := v.Sorted()
	if len(sorted) != 3 || sorted[0].Index != 1 || sorted[2].Index != 3 {
		t.Errorf("Sorted = %+v", sorted)
	}
	if s, ok := v.Find("TakeDamage"); !ok || s.Index != 1 {
		t.Errorf("Find(TakeDamage) = %+v %v", s, ok)
	}
	if _, ok := v.Find("Missing"); ok {
		t.Error("Find(Missing) should fail")
	}

	m := &VTableMap{ByClass: map[string]*VTable{"Player": v}}
	if _, err := m.Class("Enemy"); err == nil {
		t.Error("Class(Enemy) should fail")
	}
	var nilMap *VTableMap
	if nilMap.Classes() != nil {
		t.Error("nil map Classes")
	}
}
