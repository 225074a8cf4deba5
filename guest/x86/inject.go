package x86

import (
	"fmt"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/host"
)

// Injector delivers exceptions: the interrupted state is saved, CR2 is set for
// page faults and control moves to the handler in supervisor mode with
// interrupts disabled.
type Injector struct{}

func (Injector) Inject(arch cpu.ArchState, e cpu.Exception) error {
	s := arch.(*State)
	s.Exceptions++
	s.Last = e
	if e.Vector == VecPF {
		s.CR2 = e.Addr
	}
	handler, ok := s.IDT[e.Vector]
	if !ok {
		return fmt.Errorf("%w: vector %d at %#x", dbterrors.ErrNoHandler, e.Vector, e.PC)
	}
	s.Saved = append(s.Saved, Frame{RIP: e.PC, RFLAGS: s.RFLAGS, Flags: s.Flags})
	s.RIP = handler
	s.Flags &^= ModeUser
	s.RFLAGS &^= host.FlagIF
	return nil
}

// PageFault builds the exception delivered for a guest page fault at addr.
func (Injector) PageFault(addr uint64, code uint32, pc uint64) cpu.Exception {
	return cpu.Exception{Vector: VecPF, Code: code, HasCode: true, Addr: addr, PC: pc}
}
