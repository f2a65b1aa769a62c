package vtable

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownOffset is returned by Offsets.Lookup for names not in the table.
var ErrUnknownOffset = errors.New("vtable: unknown offset")

// Offsets maps a virtual method name ("Class::Method") to its slot index for
// one target OS.
type Offsets struct {
	OS    string
	slots map[string]int
}

// HostOS is the gamedata key matching the running system.
func HostOS() string {
	if runtime.GOOS == "windows" {
		return "windows"
	}
	return "linux"
}

// LoadOffsets reads a gamedata file for target. An empty target selects
// HostOS.
func LoadOffsets(path, target string) (*Offsets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read offsets: %w", err)
	}
	return ParseOffsets(data, target)
}

// ParseOffsets decodes gamedata of the form
//
//	CBasePlayer::TakeDamage:
//	  linux: 62
//	  windows: 60
//
// Entries without a key for target are skipped.
func ParseOffsets(data []byte, target string) (*Offsets, error) {
	if target == "" {
		target = HostOS()
	}
	var raw map[string]map[string]int
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse offsets: %w", err)
	}

	o := &Offsets{OS: target, slots: make(map[string]int, len(raw))}
	for name, perOS := range raw {
		idx, ok := perOS[target]
		if !ok {
			continue
		}
		if idx < 0 {
			return nil, fmt.Errorf("parse offsets: %s: negative slot %d", name, idx)
		}
		o.slots[name] = idx
	}
	return o, nil
}

// Lookup returns the slot index of name.
func (o *Offsets) Lookup(name string) (int, error) {
	idx, ok := o.slots[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s (%s)", ErrUnknownOffset, name, o.OS)
	}
	return idx, nil
}

// Set adds or replaces an entry.
func (o *Offsets) Set(name string, index int) {
	if o.slots == nil {
		o.slots = make(map[string]int)
	}
	o.slots[name] = index
}

// Len returns the number of entries.
func (o *Offsets) Len() int { return len(o.slots) }

// Names returns the sorted entry names.
func (o *Offsets) Names() []string {
	names := make([]string, 0, len(o.slots))
	for n := range o.slots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Class returns the methods of class, keyed by method name.
func (o *Offsets) Class(class string) map[string]int {
	prefix := class + "::"
	out := make(map[string]int)
	for name, idx := range o.slots {
		if method, ok := strings.CutPrefix(name, prefix); ok && !strings.Contains(method, "::") {
			out[method] = idx
		}
	}
	return out
}
