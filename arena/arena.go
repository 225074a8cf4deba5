// Package arena implements the code arena: one contiguous region of host code
// memory handed out by a bump allocator and reclaimed only as a whole.
package arena

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/log"
)

// Align is the allocation granularity; it matches the host instruction width.
const Align = 16

// Region is a span of the arena owned by one translation unit.
type Region struct {
	Off int
	Len int
	Gen uint64
}

func (r Region) End() int { return r.Off + r.Len }

func (r Region) String() string {
	return fmt.Sprintf("[%#x+%#x g%d]", r.Off, r.Len, r.Gen)
}

type Stats struct {
	Capacity   int
	Used       int
	Dead       int
	Generation uint64
	Resets     uint64
}

// Arena owns the host code memory. Allocation and reset are serialised by mu;
// reads of emitted code need no lock because a region is written once before
// it is published and only its link words change afterwards (atomically).
type Arena struct {
	mu     sync.Mutex
	mem    []byte
	off    int
	dead   int
	gen    uint64
	resets uint64
	unmap  func([]byte) error
}

// New maps an arena of size bytes.
func New(size int) (*Arena, error) {
	if size <= 0 || size%Align != 0 {
		return nil, fmt.Errorf("%w: arena size %d not a positive multiple of %d", dbterrors.ErrArenaMap, size, Align)
	}
	mem, unmap, err := mapCode(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dbterrors.ErrArenaMap, err)
	}
	log.Debug(log.ArenaMonitoring, "arena mapped", "size", size)
	return &Arena{mem: mem, gen: 1, unmap: unmap}, nil
}

// Alloc reserves n bytes, rounded up to Align. It fails with ErrArenaFull when
// the remaining space is too small and ErrUnitTooLarge when even an empty arena
// could not hold n bytes.
func (a *Arena) Alloc(n int) (Region, error) {
	if n <= 0 {
		return Region{}, fmt.Errorf("arena: invalid allocation size %d", n)
	}
	size := (n + Align - 1) &^ (Align - 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return Region{}, dbterrors.ErrClosed
	}
	if size > len(a.mem) {
		return Region{}, fmt.Errorf("%w: %d bytes > arena %d", dbterrors.ErrUnitTooLarge, size, len(a.mem))
	}
	if a.off+size > len(a.mem) {
		return Region{}, dbterrors.ErrArenaFull
	}
	r := Region{Off: a.off, Len: size, Gen: a.gen}
	a.off += size
	return r, nil
}

// Write copies code into a region obtained from Alloc.
func (a *Arena) Write(r Region, code []byte) error {
	if len(code) > r.Len {
		return fmt.Errorf("arena: %d bytes do not fit region %v", len(code), r)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.Gen != a.gen {
		return fmt.Errorf("arena: region %v belongs to a flushed generation %d", r, a.gen)
	}
	copy(a.mem[r.Off:r.End()], code)
	return nil
}

// Code exposes the arena bytes to the executor.
func (a *Arena) Code() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem
}

// Generation is the current flush epoch. Regions of older generations are dead.
func (a *Arena) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// Live reports whether r was allocated in the current generation.
func (a *Arena) Live(r Region) bool {
	return r.Gen == a.Generation()
}

// MarkDead accounts r as unreachable. The bytes are not reused before Reset.
func (a *Arena) MarkDead(r Region) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.Gen == a.gen {
		a.dead += r.Len
	}
}

// Reset discards every region and starts a new generation. Callers must make
// sure no host code is executing.
func (a *Arena) Reset() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.mem[:a.off])
	log.Debug(log.ArenaMonitoring, "arena reset", "gen", a.gen, "used", a.off, "dead", a.dead)
	a.off = 0
	a.dead = 0
	a.gen++
	a.resets++
	return a.gen
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Capacity: len(a.mem), Used: a.off, Dead: a.dead, Generation: a.gen, Resets: a.resets}
}

// Close releases the mapping.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := a.unmap(a.mem)
	a.mem = nil
	return err
}
