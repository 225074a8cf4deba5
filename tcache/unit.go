// Package tcache holds translated units: the shared physical hash table, the
// per-context jump caches, direct block linking and page invalidation.
package tcache

import (
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/arena"
	"github.com/colorfulnotion/dbt/host"
)

// NoPage marks a unit that lies within a single guest page.
const NoPage = ^uint64(0)

// Key identifies a unit: guest pc, translation flags and first physical page.
type Key struct {
	PC    uint64
	Flags uint32
	Page  uint64
}

func (k Key) String() string {
	return fmt.Sprintf("pc=%#x flags=%#x page=%#x", k.PC, k.Flags, k.Page)
}

// PatchSite records an exit slot of another unit that jumps into this one.
type PatchSite struct {
	From *Unit
	Slot int
}

// ExitSlot is one patchable exit of a unit.
type ExitSlot struct {
	// Off is the arena offset of the exit instruction.
	Off int
	// Target is the static guest destination when HasTarget is set.
	Target    uint64
	HasTarget bool
	// NoChain exits always return to the dispatcher.
	NoChain bool

	owner  *Unit
	index  int
	linked *Unit
}

// Linked returns the unit the slot jumps to directly, or nil.
func (s *ExitSlot) Linked() *Unit { return s.linked }

// Link patches the slot to jump straight into to. Callers hold the cache lock.
func (s *ExitSlot) Link(code []byte, to *Unit) {
	if s.linked != nil {
		s.Unlink(code)
	}
	host.StoreLink(code, s.Off, to.Entry())
	s.linked = to
	to.incoming = append(to.incoming, PatchSite{From: s.owner, Slot: s.index})
}

// Unlink restores the slot to return to the dispatcher. Callers hold the cache lock.
func (s *ExitSlot) Unlink(code []byte) {
	to := s.linked
	if to == nil {
		return
	}
	host.ClearLink(code, s.Off)
	s.linked = nil
	for i, p := range to.incoming {
		if p.From == s.owner && p.Slot == s.index {
			to.incoming = append(to.incoming[:i], to.incoming[i+1:]...)
			break
		}
	}
}

// Unit is one translated block of guest code.
type Unit struct {
	Key
	// Page2 is the second physical page the unit's guest bytes span, or NoPage.
	Page2 uint64

	Region   arena.Region
	GuestLen int
	Insns    int
	Exits    []ExitSlot

	incoming []PatchSite
	physNext *Unit
	valid    atomic.Bool
	hits     atomic.Uint64
}

// NewUnit builds an unpublished unit. exits holds the arena offsets of the exit
// slots in slot order; targets and chainability are set by the translator.
func NewUnit(key Key, page2 uint64, region arena.Region, exits []ExitSlot) *Unit {
	u := &Unit{Key: key, Page2: page2, Region: region, Exits: exits}
	for i := range u.Exits {
		u.Exits[i].owner = u
		u.Exits[i].index = i
	}
	return u
}

func (u *Unit) Entry() int { return u.Region.Off }
func (u *Unit) Valid() bool { return u.valid.Load() }
func (u *Unit) Hit() { u.hits.Add(1) }
func (u *Unit) Hits() uint64 { return u.hits.Load() }
func (u *Unit) Spans2() bool { return u.Page2 != NoPage }

// Incoming returns a copy of the patch sites that jump into u.
func (u *Unit) Incoming() []PatchSite {
	return append([]PatchSite(nil), u.incoming...)
}

// Contains reports whether the arena offset off lies inside u's code.
func (u *Unit) Contains(off int) bool {
	return off >= u.Region.Off && off < u.Region.End()
}

func (u *Unit) String() string {
	return fmt.Sprintf("unit{%v page2=%#x entry=%#x size=%d insns=%d valid=%v}",
		u.Key, u.Page2, u.Region.Off, u.Region.Len, u.Insns, u.Valid())
}
