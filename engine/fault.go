package engine

import (
	"fmt"

	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/host"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/mmu"
	"github.com/colorfulnotion/dbt/tcache"
)

// Action is what the fault handler wants done with a faulting run.
type Action uint8

const (
	// Resume re-executes the faulting host instruction.
	Resume Action = iota
	// ResumeToBoundary re-executes it and stops at the next guest instruction,
	// because the running unit was invalidated underneath itself.
	ResumeToBoundary
	// Raise turns the fault into a guest exception.
	Raise
	// Abort is fatal.
	Abort
)

func (a Action) String() string {
	switch a {
	case Resume:
		return "resume"
	case ResumeToBoundary:
		return "resume-to-boundary"
	case Raise:
		return "raise"
	default:
		return "abort"
	}
}

// maxRetries bounds how often one instruction may fault and be resumed in a row.
const maxRetries = 8

// FaultHandler resolves memory faults reported by host code.
type FaultHandler struct {
	e *Engine
}

// Handle classifies f, performs the recovery the class calls for, and says how
// the run continues. running is the unit that faulted, or nil.
func (h *FaultHandler) Handle(f host.Fault, running *tcache.Unit) (Action, error) {
	e := h.e
	if f.Space == host.SpaceCode {
		return Abort, fmt.Errorf("%w: host code at offset %#x", dbterrors.ErrBadCode, f.Addr)
	}
	class := e.mem.Classify(f)
	log.Trace(log.FaultMonitoring, "fault", "addr", fmt.Sprintf("%#x", f.Addr), "access", f.Access, "class", class)
	switch class {
	case mmu.ClassDemand:
		if err := e.mem.MapOnDemand(f.Addr); err != nil {
			return Abort, err
		}
		e.stats.demandMaps.Add(1)
		return Resume, nil
	case mmu.ClassCodeWrite:
		pfn, ok := e.mem.PhysPage(f.Addr)
		if !ok {
			return Abort, fmt.Errorf("%w: code write to unmapped %#x", dbterrors.ErrUnclassifiedFault, f.Addr)
		}
		e.stats.codeWrites.Add(1)
		e.cache.InvalidatePage(pfn)
		if running != nil && !running.Valid() {
			log.Debug(log.FaultMonitoring, "running unit invalidated", "unit", running.Key)
			return ResumeToBoundary, nil
		}
		return Resume, nil
	case mmu.ClassViolation:
		return Raise, nil
	case mmu.ClassSpurious:
		e.stats.spurious.Add(1)
		return Resume, nil
	default:
		return Abort, fmt.Errorf("%w: %s at %#x", dbterrors.ErrUnclassifiedFault, f.Access, f.Addr)
	}
}
