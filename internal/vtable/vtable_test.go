package vtable

import (
	"errors"
	"testing"

	"github.com/zboralski/vhook/internal/hookchain"
	glog "github.com/zboralski/vhook/internal/log"
)

// fakeMemory is a word-addressed memory with per-address protection.
type fakeMemory struct {
	words    map[uint64]uint64
	prot     map[uint64]Prot
	refuse   bool
	protects int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{words: make(map[uint64]uint64), prot: make(map[uint64]Prot)}
}

func (m *fakeMemory) PointerSize() int { return 8 }

func (m *fakeMemory) ReadPointer(addr uint64) (uint64, error) {
	return m.words[addr], nil
}

func (m *fakeMemory) WritePointer(addr, value uint64) error {
	if m.prot[addr]&ProtWrite == 0 {
		return errors.New("write to read-only page")
	}
	m.words[addr] = value
	return nil
}

func (m *fakeMemory) Protect(addr, size uint64, prot Prot) (Prot, error) {
	if m.refuse {
		return ProtNone, errors.New("EACCES")
	}
	m.protects++
	old := m.prot[addr]
	m.prot[addr] = prot
	return old, nil
}

const (
	table = 0x4000
	tramp = 0x9000
)

func newTable(m *fakeMemory) {
	for i := 0; i < 4; i++ {
		a := table + uint64(i*8)
		m.words[a] = 0x1000 + uint64(i*0x10)
		m.prot[a] = ProtRead
	}
}

func TestSlotPatchInstallRestore(t *testing.T) {
	m := newFakeMemory()
	newTable(m)
	p := NewSlotPatch(m, table, 2, tramp, WithGuard(NewGuard()), WithLogger(glog.NewNop()))

	if p.Addr() != table+16 {
		t.Fatalf("Addr = %#x, want %#x", p.Addr(), table+16)
	}
	if err := p.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if p.Original() != 0x1020 {
		t.Errorf("Original = %#x, want 0x1020", p.Original())
	}
	if m.words[p.Addr()] != tramp {
		t.Errorf("slot = %#x, want trampoline", m.words[p.Addr()])
	}
	if m.prot[p.Addr()] != ProtRead {
		t.Errorf("protection not restored: %s", m.prot[p.Addr()])
	}
	if m.protects != 2 {
		t.Errorf("protects = %d, want 2 (one cycle)", m.protects)
	}

	if err := p.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if m.words[p.Addr()] != 0x1020 || p.Original() != 0 || p.Installed() {
		t.Errorf("after restore slot=%#x original=%#x installed=%v", m.words[p.Addr()], p.Original(), p.Installed())
	}
	if err := p.Restore(); err != nil {
		t.Errorf("second Restore: %v", err)
	}
	if m.protects != 4 {
		t.Errorf("protects = %d, want 4", m.protects)
	}
}

func TestSlotPatchProtectRefused(t *testing.T) {
	m := newFakeMemory()
	newTable(m)
	m.refuse = true
	g := NewGuard()
	p := NewSlotPatch(m, table, 0, tramp, WithGuard(g), WithLogger(glog.NewNop()))

	err := p.Install()
	if !errors.Is(err, ErrProtect) {
		t.Fatalf("Install err = %v, want ErrProtect", err)
	}
	if p.Installed() || m.words[table] != 0x1000 {
		t.Error("refused install changed state")
	}
	if g.Owned(m, table) {
		t.Error("refused install kept the slot claimed")
	}
}

func TestSlotPatchRestoreRefused(t *testing.T) {
	m := newFakeMemory()
	newTable(m)
	p := NewSlotPatch(m, table, 1, tramp, WithGuard(NewGuard()), WithLogger(glog.NewNop()))
	if err := p.Install(); err != nil {
		t.Fatal(err)
	}

	m.refuse = true
	if err := p.Restore(); !errors.Is(err, ErrProtect) {
		t.Fatalf("Restore err = %v, want ErrProtect", err)
	}
	if !p.Installed() || m.words[p.Addr()] != tramp {
		t.Error("failed restore should leave the patch active")
	}

	m.refuse = false
	if err := p.Restore(); err != nil {
		t.Fatalf("retry Restore: %v", err)
	}
	if m.words[p.Addr()] != 0x1010 {
		t.Errorf("slot = %#x, want 0x1010", m.words[p.Addr()])
	}
}

func TestSlotPatchExclusive(t *testing.T) {
	m := newFakeMemory()
	newTable(m)
	g := NewGuard()
	a := NewSlotPatch(m, table, 3, tramp, WithGuard(g), WithLogger(glog.NewNop()))
	b := NewSlotPatch(m, table, 3, tramp+4, WithGuard(g), WithLogger(glog.NewNop()))

	if err := a.Install(); err != nil {
		t.Fatal(err)
	}
	if err := b.Install(); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("second patch err = %v, want ErrSlotBusy", err)
	}
	if err := a.Restore(); err != nil {
		t.Fatal(err)
	}
	if err := b.Install(); err != nil {
		t.Fatalf("after release: %v", err)
	}
	if b.Original() != 0x1030 {
		t.Errorf("b.Original = %#x, want 0x1030", b.Original())
	}
}

func TestSlotPatchAlreadyRedirected(t *testing.T) {
	m := newFakeMemory()
	newTable(m)
	m.words[table] = tramp
	p := NewSlotPatch(m, table, 0, tramp, WithGuard(NewGuard()), WithLogger(glog.NewNop()))
	if err := p.Install(); !errors.Is(err, ErrAlreadyRedirected) {
		t.Fatalf("err = %v, want ErrAlreadyRedirected", err)
	}
}

func TestClassRegistryOverSlotPatch(t *testing.T) {
	m := newFakeMemory()
	newTable(m)
	p := NewSlotPatch(m, table, 1, tramp, WithGuard(NewGuard()), WithLogger(glog.NewNop()))
	r := hookchain.NewClassRegistry[uint64, uint64, struct{}]("T::f", p, hookchain.WithLogger(glog.NewNop()))

	hook := func(c *hookchain.ClassCursor[uint64, uint64, struct{}], this uint64, a struct{}) uint64 {
		return c.CallNext(this, a)
	}
	h1, _ := r.RegisterHook(hook, hookchain.PriorityDefault)
	h2, _ := r.RegisterHook(hook, hookchain.PriorityDefault)
	if m.protects != 2 || r.VFuncAddr() != 0x1010 {
		t.Fatalf("protects=%d VFuncAddr=%#x after two registrations", m.protects, r.VFuncAddr())
	}
	r.UnregisterHook(h1)
	if m.words[table+8] != tramp {
		t.Fatal("slot restored with a hook remaining")
	}
	r.UnregisterHook(h2)
	if m.words[table+8] != 0x1010 || m.protects != 4 {
		t.Fatalf("slot=%#x protects=%d after last removal", m.words[table+8], m.protects)
	}

	m.refuse = true
	if _, err := r.RegisterHook(hook, hookchain.PriorityDefault); !errors.Is(err, ErrProtect) || !errors.Is(err, hookchain.ErrInstall) {
		t.Errorf("err = %v, want ErrInstall wrapping ErrProtect", err)
	}
	if r.HasHooks() {
		t.Error("hook registered despite refused protection")
	}
}

func TestParseOffsets(t *testing.T) {
	data := []byte(`
CBasePlayer::TakeDamage:
  linux: 62
  windows: 60
CBasePlayer::Spawn:
  linux: 0
CBaseEntity::Think:
  windows: 41
`)
	o, err := ParseOffsets(data, "linux")
	if err != nil {
		t.Fatalf("ParseOffsets: %v", err)
	}
	if o.Len() != 2 {
		t.Errorf("Len = %d, want 2", o.Len())
	}
	if idx, err := o.Lookup("CBasePlayer::TakeDamage"); err != nil || idx != 62 {
		t.Errorf("Lookup = %d, %v; want 62", idx, err)
	}
	if _, err := o.Lookup("CBaseEntity::Think"); !errors.Is(err, ErrUnknownOffset) {
		t.Errorf("Lookup missing err = %v, want ErrUnknownOffset", err)
	}

	cls := o.Class("CBasePlayer")
	if len(cls) != 2 || cls["Spawn"] != 0 || cls["TakeDamage"] != 62 {
		t.Errorf("Class = %v", cls)
	}
	if names := o.Names(); names[0] != "CBasePlayer::Spawn" {
		t.Errorf("Names = %v", names)
	}

	w, err := ParseOffsets(data, "windows")
	if err != nil {
		t.Fatal(err)
	}
	if idx, _ := w.Lookup("CBaseEntity::Think"); idx != 41 {
		t.Errorf("windows Think = %d, want 41", idx)
	}
}

func TestParseOffsetsInvalid(t *testing.T) {
	if _, err := ParseOffsets([]byte("a: [1, 2"), "linux"); err == nil {
		t.Error("malformed YAML accepted")
	}
	if _, err := ParseOffsets([]byte("A::f:\n  linux: -1\n"), "linux"); err == nil {
		t.Error("negative slot accepted")
	}
}

func TestProbeTable(t *testing.T) {
	m := newFakeMemory()
	m.words[0x8000] = table
	if got, err := ProbeTable(m, 0x8000); err != nil || got != table {
		t.Errorf("ProbeTable = %#x, %v", got, err)
	}
	if _, err := ProbeTable(m, 0x8100); !errors.Is(err, ErrNullAddress) {
		t.Errorf("empty instance err = %v, want ErrNullAddress", err)
	}
	newTable(m)
	if got, _ := ReadSlot(m, table, 2); got != 0x1020 {
		t.Errorf("ReadSlot = %#x", got)
	}
}

func TestPageRange(t *testing.T) {
	start, length := pageRange(0x1ffc, 8, 0x1000)
	if start != 0x1000 || length != 0x2000 {
		t.Errorf("pageRange = %#x, %#x; want 0x1000, 0x2000", start, length)
	}
}

func TestProtString(t *testing.T) {
	if s := (ProtRead | ProtExec).String(); s != "r-x" {
		t.Errorf("String = %q", s)
	}
	if s := ProtNone.String(); s != "---" {
		t.Errorf("String = %q", s)
	}
}
