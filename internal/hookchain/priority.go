package hookchain

import (
	"fmt"
	"strconv"
	"strings"
)

// Priority orders subscribers within a chain. Higher runs earlier; equal
// priorities run in registration order.
type Priority uint8

// Named priority levels.
const (
	PriorityLow             Priority = 0
	PriorityMedium          Priority = 64
	PriorityDefault         Priority = 128
	PriorityHigh            Priority = 192
	PriorityUninterruptable Priority = 255
)

var priorityNames = map[string]Priority{
	"low":             PriorityLow,
	"medium":          PriorityMedium,
	"default":         PriorityDefault,
	"high":            PriorityHigh,
	"uninterruptable": PriorityUninterruptable,
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityDefault:
		return "default"
	case PriorityHigh:
		return "high"
	case PriorityUninterruptable:
		return "uninterruptable"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a level name ("high") or an integer in [0, 255].
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return PriorityDefault, nil
	}
	if p, ok := priorityNames[s]; ok {
		return p, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q: %w", s, ErrPriority)
	}
	return Priority(n), nil
}
