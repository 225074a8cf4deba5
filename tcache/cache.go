package tcache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/arena"
	"github.com/colorfulnotion/dbt/log"
)

const pageShift = 12

// Pages is the part of the address-translation subsystem the cache relies on.
type Pages interface {
	PhysPage(vaddr uint64) (uint64, bool)
	ProtectCode(pfn uint64)
	UnprotectCode(pfn uint64)
	UnprotectAll()
	Epoch() uint64
}

// Stats are cumulative cache counters.
type Stats struct {
	Lookups       uint64
	JumpHits      uint64
	HashHits      uint64
	Misses        uint64
	StaleHints    uint64
	Inserts       uint64
	Links         uint64
	Unlinks       uint64
	Invalidations uint64
	Flushes       uint64
}

type counters struct {
	lookups, jumpHits, hashHits, misses, staleHints atomic.Uint64
	inserts, links, unlinks, invalidations, flushes atomic.Uint64
}

// Cache is the shared translation cache. Lookups take the read lock; any
// change to the hash table, the page lists or a link takes the write lock.
type Cache struct {
	mu      sync.RWMutex
	arena   *arena.Arena
	pages   Pages
	buckets []*Unit
	mask    uint64
	byPage  map[uint64][]*Unit
	// byOff holds every unit published in this generation, dead or alive,
	// ordered by entry offset; arena regions are never reused before a flush.
	byOff    []*Unit
	live     int
	flushGen atomic.Uint64
	stats    counters
}

func NewCache(a *arena.Arena, pages Pages, hashBits int) *Cache {
	c := &Cache{
		arena:   a,
		pages:   pages,
		buckets: make([]*Unit, 1<<hashBits),
		mask:    1<<hashBits - 1,
		byPage:  make(map[uint64][]*Unit),
	}
	c.flushGen.Store(1)
	return c
}

func (c *Cache) Arena() *arena.Arena { return c.arena }

// Generation is the flush generation; jump caches filled under another one are stale.
func (c *Cache) Generation() uint64 { return c.flushGen.Load() }

func (c *Cache) hash(page, pc uint64, flags uint32) uint64 {
	phys := page<<pageShift | pc&(1<<pageShift-1)
	h := phys ^ phys>>17 ^ uint64(flags)*0x9E3779B1
	return h & c.mask
}

// page2Holds checks that the second page of u is still mapped where it was at translation time.
func (c *Cache) page2Holds(u *Unit) bool {
	if u.Page2 == NoPage {
		return true
	}
	next := (u.PC &^ (1<<pageShift - 1)) + 1<<pageShift
	pfn, ok := c.pages.PhysPage(next)
	return ok && pfn == u.Page2
}

// Lookup finds a live unit for (pc, flags), consulting jc first. A jump cache
// hint is used only after it is revalidated against the live unit.
func (c *Cache) Lookup(jc *JumpCache, pc uint64, flags uint32) *Unit {
	c.stats.lookups.Add(1)
	jc.sync(c.flushGen.Load(), c.pages.Epoch())
	page, ok := c.pages.PhysPage(pc)
	if !ok {
		c.stats.misses.Add(1)
		return nil
	}
	if u := jc.get(pc); u != nil {
		if c.usable(u, pc, flags, page) {
			jc.Hits++
			c.stats.jumpHits.Add(1)
			return u
		}
		jc.Forget(u)
		c.stats.staleHints.Add(1)
	}
	jc.Misses++

	c.mu.RLock()
	var found *Unit
	for u := c.buckets[c.hash(page, pc, flags)]; u != nil; u = u.physNext {
		if u.PC == pc && u.Page == page && u.Flags == flags && c.page2Holds(u) {
			found = u
			break
		}
	}
	c.mu.RUnlock()
	if found == nil {
		c.stats.misses.Add(1)
		return nil
	}
	c.stats.hashHits.Add(1)
	jc.set(found)
	return found
}

func (c *Cache) usable(u *Unit, pc uint64, flags uint32, page uint64) bool {
	return u.Valid() &&
		c.arena.Live(u.Region) &&
		u.PC == pc && u.Flags == flags && u.Page == page &&
		c.page2Holds(u)
}

// Insert publishes u and write-protects its pages. It refuses a unit whose
// region predates the last flush; the caller must translate again.
func (c *Cache) Insert(jc *JumpCache, u *Unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.arena.Live(u.Region) {
		return fmt.Errorf("tcache: unit %v translated before flush to gen %d", u.Key, c.arena.Generation())
	}
	h := c.hash(u.Page, u.PC, u.Flags)
	u.physNext = c.buckets[h]
	c.buckets[h] = u
	c.byPage[u.Page] = append(c.byPage[u.Page], u)
	c.pages.ProtectCode(u.Page)
	if u.Page2 != NoPage {
		c.byPage[u.Page2] = append(c.byPage[u.Page2], u)
		c.pages.ProtectCode(u.Page2)
	}
	c.byOff = append(c.byOff, u)
	c.live++
	u.valid.Store(true)
	c.stats.inserts.Add(1)
	if jc != nil {
		jc.sync(c.flushGen.Load(), c.pages.Epoch())
		jc.set(u)
	}
	log.Debug(log.CacheMonitoring, "insert", "unit", u)
	return nil
}

// remove unhooks u from the hash chain and the page lists. Callers hold mu.
func (c *Cache) remove(u *Unit) {
	h := c.hash(u.Page, u.PC, u.Flags)
	for p := &c.buckets[h]; *p != nil; p = &(*p).physNext {
		if *p == u {
			*p = u.physNext
			break
		}
	}
	u.physNext = nil
	c.dropFromPage(u.Page, u)
	if u.Page2 != NoPage {
		c.dropFromPage(u.Page2, u)
	}
	c.live--
}

func (c *Cache) dropFromPage(pfn uint64, u *Unit) {
	list := c.byPage[pfn]
	for i, v := range list {
		if v == u {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.byPage, pfn)
		return
	}
	c.byPage[pfn] = list
}

// FindByOffset maps an arena offset back to the unit whose code contains it.
// Dead units of the current generation are still found.
func (c *Cache) FindByOffset(off int) *Unit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.byOff), func(i int) bool { return c.byOff[i].Region.End() > off })
	if i < len(c.byOff) && c.byOff[i].Contains(off) {
		return c.byOff[i]
	}
	return nil
}

// UnitsOnPage returns the live units depending on physical page pfn.
func (c *Cache) UnitsOnPage(pfn uint64) []*Unit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Unit(nil), c.byPage[pfn]...)
}

// Len is the number of live units.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

// ForEach calls fn for every live unit in entry order.
func (c *Cache) ForEach(fn func(u *Unit)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.byOff {
		if u.Valid() {
			fn(u)
		}
	}
}

// Flush drops every unit and resets the arena. No host code may be running.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.byOff {
		u.valid.Store(false)
		for i := range u.Exits {
			u.Exits[i].linked = nil
		}
		u.incoming = nil
		u.physNext = nil
	}
	clear(c.buckets)
	clear(c.byPage)
	c.byOff = nil
	c.live = 0
	c.arena.Reset()
	c.pages.UnprotectAll()
	gen := c.flushGen.Add(1)
	c.stats.flushes.Add(1)
	log.Debug(log.CacheMonitoring, "flush", "gen", gen)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Lookups:       c.stats.lookups.Load(),
		JumpHits:      c.stats.jumpHits.Load(),
		HashHits:      c.stats.hashHits.Load(),
		Misses:        c.stats.misses.Load(),
		StaleHints:    c.stats.staleHints.Load(),
		Inserts:       c.stats.inserts.Load(),
		Links:         c.stats.links.Load(),
		Unlinks:       c.stats.unlinks.Load(),
		Invalidations: c.stats.invalidations.Load(),
		Flushes:       c.stats.flushes.Load(),
	}
}
