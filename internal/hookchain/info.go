package hookchain

import "sync/atomic"

// State is the enabled/disabled flag of a registration.
type State uint8

const (
	Disabled State = iota
	Enabled
)

func (s State) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

var nextID atomic.Uint64

// Info is the handle of one registration. It is the only key accepted by
// UnregisterHook; two registrations of the same function get distinct handles.
type Info struct {
	id       uint64
	priority Priority
	state    State
	onChange func(*Info, State)
}

func newInfo(p Priority) *Info {
	return &Info{id: nextID.Add(1), priority: p, state: Enabled}
}

// ID returns a process-unique identifier, useful for logs and scripts.
func (i *Info) ID() uint64 { return i.id }

// Priority returns the priority the hook was registered with.
func (i *Info) Priority() Priority { return i.priority }

// State returns the current state.
func (i *Info) State() State { return i.state }

// Enabled reports whether the hook takes part in dispatch.
func (i *Info) Enabled() bool { return i.state == Enabled }

// SetState enables or disables the hook without removing it.
// Setting the current state again is a no-op.
func (i *Info) SetState(s State) {
	if i == nil || i.state == s {
		return
	}
	i.state = s
	if i.onChange != nil {
		i.onChange(i, s)
	}
}

// Enable is shorthand for SetState(Enabled).
func (i *Info) Enable() { i.SetState(Enabled) }

// Disable is shorthand for SetState(Disabled).
func (i *Info) Disable() { i.SetState(Disabled) }
