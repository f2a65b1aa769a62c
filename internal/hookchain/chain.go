package hookchain

// entry pairs a handle with its callback.
type entry[F any] struct {
	info *Info
	fn   F
}

// orderedChain keeps entries sorted by descending priority, FIFO among ties.
// Mutations never touch a slice that has been handed out: insert and remove
// build a new backing array, so a snapshot stays valid for the whole dispatch
// that took it.
type orderedChain[F any] struct {
	entries []*entry[F]
}

// insert places e before the first entry with a strictly lower priority,
// or at the tail when there is none.
func (c *orderedChain[F]) insert(e *entry[F]) {
	pos := len(c.entries)
	for i, cur := range c.entries {
		if cur.info.priority < e.info.priority {
			pos = i
			break
		}
	}

	next := make([]*entry[F], 0, len(c.entries)+1)
	next = append(next, c.entries[:pos]...)
	next = append(next, e)
	next = append(next, c.entries[pos:]...)
	c.entries = next
}

// remove drops the entry owning info. Linear scan; reports whether found.
func (c *orderedChain[F]) remove(info *Info) bool {
	for i, cur := range c.entries {
		if cur.info != info {
			continue
		}
		next := make([]*entry[F], 0, len(c.entries)-1)
		next = append(next, c.entries[:i]...)
		next = append(next, c.entries[i+1:]...)
		c.entries = next
		return true
	}
	return false
}

func (c *orderedChain[F]) snapshot() []*entry[F] { return c.entries }

func (c *orderedChain[F]) len() int { return len(c.entries) }

func (c *orderedChain[F]) infos() []*Info {
	out := make([]*Info, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.info
	}
	return out
}

// nextEnabled returns the index of the first enabled entry at or after from,
// or len(entries) when none remains.
func nextEnabled[F any](entries []*entry[F], from int) int {
	for from < len(entries) && !entries[from].info.Enabled() {
		from++
	}
	return from
}
