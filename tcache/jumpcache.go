package tcache

// JumpCache is a per-context direct mapped table from guest pc to unit. Its
// entries are hints: every hit is revalidated by Cache.Lookup, and the whole
// table is dropped when the cache is flushed or a mapping changes.
type JumpCache struct {
	bits   uint
	slots  []*Unit
	gen    uint64
	epoch  uint64
	Hits   uint64
	Misses uint64
}

func NewJumpCache(bits int) *JumpCache {
	return &JumpCache{bits: uint(bits), slots: make([]*Unit, 1<<bits)}
}

func (j *JumpCache) index(pc uint64) uint64 {
	return (pc ^ pc>>j.bits) & uint64(len(j.slots)-1)
}

// Reset drops every hint.
func (j *JumpCache) Reset() {
	clear(j.slots)
}

// sync resets the table if it was filled under another flush generation or mapping epoch.
func (j *JumpCache) sync(gen, epoch uint64) {
	if j.gen != gen || j.epoch != epoch {
		j.Reset()
		j.gen = gen
		j.epoch = epoch
	}
}

func (j *JumpCache) get(pc uint64) *Unit { return j.slots[j.index(pc)] }

func (j *JumpCache) set(u *Unit) { j.slots[j.index(u.PC)] = u }

// Forget drops the hint for pc if it points at u.
func (j *JumpCache) Forget(u *Unit) {
	i := j.index(u.PC)
	if j.slots[i] == u {
		j.slots[i] = nil
	}
}
