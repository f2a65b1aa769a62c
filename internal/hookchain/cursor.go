package hookchain

import "github.com/zboralski/vhook/internal/trace"

// HookFunc is a subscriber of a free-function operation with argument tuple A
// and result R.
type HookFunc[R, A any] func(c *Cursor[R, A], args A) R

// OriginalFunc is a terminal of a chain: the original function or the
// entry point of the next outer interception layer.
type OriginalFunc[R, A any] func(args A) R

// Cursor is the continuation handed to a subscriber: the part of the chain
// that has not run yet plus its terminals.
type Cursor[R, A any] struct {
	name     string
	rec      *trace.Recorder
	entries  []*entry[HookFunc[R, A]]
	pos      int
	last     OriginalFunc[R, A]
	original OriginalFunc[R, A]
}

// CallNext runs the next enabled subscriber with args. Past the end of the
// chain it runs the last terminal if one was given, the original otherwise.
func (c *Cursor[R, A]) CallNext(args A) R {
	i := nextEnabled(c.entries, c.pos)
	if i < len(c.entries) {
		next := &Cursor[R, A]{
			name:     c.name,
			rec:      c.rec,
			entries:  c.entries,
			pos:      i + 1,
			last:     c.last,
			original: c.original,
		}
		return c.entries[i].fn(next, args)
	}

	if c.last != nil {
		if c.rec != nil {
			c.rec.Record(c.name, trace.Last, "")
		}
		return c.last(args)
	}
	return c.CallOriginal(args)
}

// CallOriginal skips every remaining subscriber and runs the original
// implementation, bypassing the last terminal.
func (c *Cursor[R, A]) CallOriginal(args A) R {
	if c.rec != nil {
		c.rec.Record(c.name, trace.Original, "")
	}
	return c.original(args)
}

// Chain returns the registry name this cursor walks.
func (c *Cursor[R, A]) Chain() string { return c.name }
