package tcache

import (
	"github.com/colorfulnotion/dbt/log"
)

// Linker patches exit slots so one unit jumps straight into the next.
// Linking is an optimisation only; with it disabled every exit returns to the
// dispatcher and guest-visible behaviour is the same.
type Linker struct {
	cache   *Cache
	enabled bool
}

func NewLinker(c *Cache, enabled bool) *Linker {
	return &Linker{cache: c, enabled: enabled}
}

func (l *Linker) Enabled() bool { return l.enabled }

// TryLink links exit slot of from to to when that is safe: both units live in
// the current generation, the slot's static target is to, translation flags
// match and to does not span two pages (its second page mapping could change
// without from being told).
func (l *Linker) TryLink(from *Unit, slot int, to *Unit) bool {
	if !l.enabled || from == nil || to == nil {
		return false
	}
	c := l.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= len(from.Exits) {
		return false
	}
	s := &from.Exits[slot]
	switch {
	case !from.Valid() || !to.Valid():
		return false
	case !c.arena.Live(from.Region) || from.Region.Gen != to.Region.Gen:
		return false
	case s.NoChain || !s.HasTarget || s.Target != to.PC:
		return false
	case from.Flags != to.Flags:
		return false
	case to.Page2 != NoPage:
		return false
	case s.linked == to:
		return true
	}
	s.Link(c.arena.Code(), to)
	c.stats.links.Add(1)
	log.Debug(log.LinkerMonitoring, "link", "from", from.Key, "slot", slot, "to", to.Key)
	return true
}

// Unlink restores one exit slot to return to the dispatcher.
func (l *Linker) Unlink(from *Unit, slot int) {
	c := l.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= len(from.Exits) || from.Exits[slot].linked == nil {
		return
	}
	from.Exits[slot].Unlink(c.arena.Code())
	c.stats.unlinks.Add(1)
}
