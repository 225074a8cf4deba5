package tcache

import (
	"fmt"

	"github.com/colorfulnotion/dbt/log"
)

// InvalidatePage retires every unit whose guest bytes live on physical page
// pfn: incoming and outgoing links are removed, the units leave the lookup
// structures, their arena regions are accounted dead and the page is no longer
// write protected. The returned units are already invalid.
func (c *Cache) InvalidatePage(pfn uint64) []*Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	victims := append([]*Unit(nil), c.byPage[pfn]...)
	for _, u := range victims {
		c.invalidateLocked(u)
	}
	c.pages.UnprotectCode(pfn)
	if len(victims) > 0 {
		log.Debug(log.CacheMonitoring, "invalidate page", "pfn", fmt.Sprintf("%#x", pfn), "units", len(victims))
	}
	return victims
}

// InvalidateUnit retires a single unit.
func (c *Cache) InvalidateUnit(u *Unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Valid() {
		c.invalidateLocked(u)
	}
}

func (c *Cache) invalidateLocked(u *Unit) {
	u.valid.Store(false)
	code := c.arena.Code()
	for _, p := range u.Incoming() {
		p.From.Exits[p.Slot].Unlink(code)
		c.stats.unlinks.Add(1)
	}
	for i := range u.Exits {
		if u.Exits[i].linked != nil {
			u.Exits[i].Unlink(code)
			c.stats.unlinks.Add(1)
		}
	}
	c.remove(u)
	for _, pfn := range []uint64{u.Page, u.Page2} {
		if pfn != NoPage && len(c.byPage[pfn]) == 0 {
			c.pages.UnprotectCode(pfn)
		}
	}
	c.arena.MarkDead(u.Region)
	c.stats.invalidations.Add(1)
}
