package engine

import (
	"fmt"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/host"
)

// OutcomeKind says how a unit's execution ended.
type OutcomeKind uint8

const (
	// Completed: the run left through an exit slot or a computed jump.
	Completed OutcomeKind = iota
	// Exception: translated code raised a guest exception, or a fault became one.
	Exception
	// Halted: the guest executed a halt instruction.
	Halted
	// Fatal: a fault nobody could classify, or corrupt host code.
	Fatal
	// Stale: the unit died before it started; nothing ran.
	Stale
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Exception:
		return "exception"
	case Halted:
		return "halted"
	case Fatal:
		return "fatal"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("outcome%d", uint8(k))
	}
}

// Outcome is the result of one EXECUTE step. It replaces unwinding to a
// checkpoint: the dispatcher branches on Kind.
type Outcome struct {
	Kind OutcomeKind
	// Exit is the final host exit.
	Exit host.Exit
	// Exception is set for Kind == Exception.
	Exception cpu.Exception
	// Err is set for Kind == Fatal.
	Err error
	// Linkable reports whether the exit slot Exit.Slot of the unit at
	// Exit.Entry may be linked to the next unit.
	Linkable bool
}
