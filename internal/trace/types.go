// Package trace provides types for hook-chain event collection.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for chain events.
const (
	Register   Tag = "register"
	Unregister Tag = "unregister"
	Enable     Tag = "enable"
	Disable    Tag = "disable"
	Install    Tag = "install"
	Restore    Tag = "restore"
	Dispatch   Tag = "dispatch"
	Original   Tag = "original"
	Last       Tag = "last"
	Fallback   Tag = "fallback"
	Script     Tag = "script"
	Import     Tag = "import"
	Virtual    Tag = "virtual"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Event is one recorded chain event.
type Event struct {
	ID          uuid.UUID
	Chain       string // registry name
	Tags        Tags
	Detail      string
	Annotations Annotations
	Timestamp   time.Time
}

// NewEvent creates a new trace event with the given primary tag.
func NewEvent(chain string, tag Tag, detail string) *Event {
	return &Event{
		ID:        uuid.New(),
		Chain:     chain,
		Tags:      Tags{tag},
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations[k] = v
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Recorder collects events for one session.
// A nil *Recorder discards everything, so callers never need to check.
type Recorder struct {
	mu      sync.Mutex
	session uuid.UUID
	events  []*Event
	limit   int
}

// NewRecorder creates a recorder keeping at most limit events (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{session: uuid.New(), limit: limit}
}

// Session returns the recorder's session id.
func (r *Recorder) Session() uuid.UUID {
	if r == nil {
		return uuid.Nil
	}
	return r.session
}

// Record appends an event and returns it for annotation.
func (r *Recorder) Record(chain string, tag Tag, detail string) *Event {
	e := NewEvent(chain, tag, detail)
	if r == nil {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.events) >= r.limit {
		r.events = r.events[1:]
	}
	r.events = append(r.events, e)
	return e
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// Count returns the number of events carrying tag.
func (r *Recorder) Count(tag Tag) int {
	n := 0
	for _, e := range r.Events() {
		if e.Tags.Has(tag) {
			n++
		}
	}
	return n
}

// GetAndClear returns the recorded events and resets the buffer.
func (r *Recorder) GetAndClear() []*Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}
