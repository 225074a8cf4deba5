package host

import (
	"fmt"
)

// Frame is the register file host code operates on.
type Frame struct {
	R     [NumRegs]uint64
	Flags uint64
	PC    uint64
}

type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "fetch"
	}
}

// Space tells which address space a fault hit.
type Space uint8

const (
	SpaceGuest Space = iota // a guest memory access
	SpaceCode               // the code arena itself
)

// Fault describes a failed memory access, the equivalent of a host signal.
type Fault struct {
	Addr   uint64
	Access Access
	Space  Space
	User   bool
}

func (f *Fault) Error() string {
	return fmt.Sprintf("host fault: %s %#x space=%d", f.Access, f.Addr, f.Space)
}

// Memory is the guest memory seen through the guest's address translation.
type Memory interface {
	Load(addr uint64, size int) (uint64, *Fault)
	Store(addr uint64, size int, v uint64) *Fault
}

type ExitKind uint8

const (
	ExitTB        ExitKind = iota // left through an unlinked (or interrupted) exit slot
	ExitDynamic                   // computed target, no slot
	ExitHalt                      // guest executed a halt
	ExitException                 // guest exception raised by translated code
	ExitFault                     // memory fault; Off is the faulting instruction
	ExitBoundary                  // stopped at the first instruction boundary after a resume
)

func (k ExitKind) String() string {
	switch k {
	case ExitTB:
		return "tb"
	case ExitDynamic:
		return "dynamic"
	case ExitHalt:
		return "halt"
	case ExitException:
		return "exception"
	case ExitFault:
		return "fault"
	case ExitBoundary:
		return "boundary"
	default:
		return fmt.Sprintf("exit%d", uint8(k))
	}
}

// Exit reports why Run returned.
type Exit struct {
	Kind ExitKind
	// Off is the arena offset of the instruction that ended the run.
	Off int
	// Entry is the entry offset of the unit that was executing at the end; it
	// differs from the starting offset when chained exits were followed.
	Entry  int
	Slot   int
	Vector uint8
	Code   uint32
	Fault  Fault
	// Chained counts the linked exits followed.
	Chained int
}

// Options tune a single Run.
type Options struct {
	// Poll is consulted before following a linked exit. Returning true makes
	// the exit go back to the dispatcher instead.
	Poll func() bool
	// StopAtBoundary ends the run at the next guest instruction boundary.
	StopAtBoundary bool
	// User marks guest accesses as user mode ones.
	User bool
	// Resume marks a restart at a faulting instruction inside the unit at Entry.
	Resume bool
	Entry  int
}

// Run executes host code starting at off until it leaves the code.
func Run(code []byte, off int, f *Frame, mem Memory, opt Options) Exit {
	pc := off
	entry := off
	if opt.Resume {
		entry = opt.Entry
	}
	chained := 0
	codeFault := func(at int) Exit {
		return Exit{Kind: ExitFault, Off: at, Entry: entry, Chained: chained,
			Fault: Fault{Addr: uint64(at), Access: AccessFetch, Space: SpaceCode}}
	}
	for {
		if pc < 0 || pc+InsnSize > len(code) || pc%InsnSize != 0 {
			return codeFault(pc)
		}
		op := Op(code[pc])
		if op == OpExitTB {
			slot := int(code[pc+1])
			target, linked := LoadLink(code, pc)
			if !linked || (opt.Poll != nil && opt.Poll()) {
				return Exit{Kind: ExitTB, Off: pc, Entry: entry, Slot: slot, Chained: chained}
			}
			pc = target
			entry = target
			chained++
			opt.StopAtBoundary = false
			continue
		}
		in := Decode(code[pc : pc+InsnSize])
		next := pc + InsnSize
		switch in.Op {
		case OpNop:
		case OpInsn:
			f.PC = in.Imm
			if opt.StopAtBoundary {
				return Exit{Kind: ExitBoundary, Off: pc, Entry: entry, Chained: chained}
			}
		case OpMovImm:
			f.R[in.A] = in.Imm & mask(in.W)
		case OpMov:
			f.R[in.A] = f.R[in.B] & mask(in.W)
		case OpAdd, OpSub, OpAnd, OpOr, OpXor:
			rhs := in.Imm
			if in.Aux&AuxImm == 0 {
				rhs = f.R[in.C]
			}
			r := alu(f, in.Op, f.R[in.B], rhs, in.W, in.Aux)
			if in.Aux&AuxNoWrite == 0 {
				f.R[in.A] = r
			}
		case OpNeg:
			m := mask(in.W)
			src := f.R[in.B] & m
			r := (-src) & m
			if in.Aux&AuxFlags != 0 {
				fl := resultFlags(r, in.W)
				if src != 0 {
					fl |= FlagCF
				}
				if src == signBit(in.W) {
					fl |= FlagOF
				}
				f.Flags = f.Flags&^ArithFlags | fl
			}
			f.R[in.A] = r
		case OpNot:
			f.R[in.A] = ^f.R[in.B] & mask(in.W)
		case OpLea:
			var ea uint64
			if in.B != NoReg {
				ea = f.R[in.B]
			}
			if in.C != NoReg {
				ea += f.R[in.C] << in.Aux
			}
			f.R[in.A] = (ea + in.Imm) & mask(in.W)
		case OpLoad:
			addr := f.R[in.B] + in.Imm
			v, flt := mem.Load(addr, int(in.W))
			if flt != nil {
				flt.User = opt.User
				return Exit{Kind: ExitFault, Off: pc, Entry: entry, Fault: *flt, Chained: chained}
			}
			f.R[in.A] = v & mask(in.W)
		case OpStore:
			addr := f.R[in.B] + in.Imm
			if flt := mem.Store(addr, int(in.W), f.R[in.A]&mask(in.W)); flt != nil {
				flt.User = opt.User
				return Exit{Kind: ExitFault, Off: pc, Entry: entry, Fault: *flt, Chained: chained}
			}
		case OpBranch:
			if Cond(in.A).Holds(f.Flags) {
				next += int(int64(in.Imm))
			}
		case OpSetPC:
			f.PC = in.Imm
		case OpExitDyn:
			f.PC = f.R[in.A]
			return Exit{Kind: ExitDynamic, Off: pc, Entry: entry, Chained: chained}
		case OpRaise:
			f.PC = in.Imm
			return Exit{Kind: ExitException, Off: pc, Entry: entry, Vector: in.A, Code: uint32(in.B), Chained: chained}
		case OpHalt:
			f.PC = in.Imm
			return Exit{Kind: ExitHalt, Off: pc, Entry: entry, Chained: chained}
		case OpSetFlag:
			f.Flags |= in.Imm
		case OpClrFlag:
			f.Flags &^= in.Imm
		default:
			return codeFault(pc)
		}
		pc = next
	}
}

func resultFlags(r uint64, w uint8) uint64 {
	var fl uint64
	if r == 0 {
		fl |= FlagZF
	}
	if r&signBit(w) != 0 {
		fl |= FlagSF
	}
	return fl
}

func alu(f *Frame, op Op, a, b uint64, w uint8, aux uint8) uint64 {
	m := mask(w)
	sb := signBit(w)
	a &= m
	b &= m
	var r, fl uint64
	switch op {
	case OpAdd:
		r = (a + b) & m
		if r < a {
			fl |= FlagCF
		}
		if (a^b)&sb == 0 && (a^r)&sb != 0 {
			fl |= FlagOF
		}
	case OpSub:
		r = (a - b) & m
		if a < b {
			fl |= FlagCF
		}
		if (a^b)&sb != 0 && (a^r)&sb != 0 {
			fl |= FlagOF
		}
	case OpAnd:
		r = a & b
	case OpOr:
		r = a | b
	case OpXor:
		r = a ^ b
	}
	if aux&AuxFlags != 0 {
		fl |= resultFlags(r, w)
		upd := ArithFlags
		if aux&AuxKeepCF != 0 {
			upd &^= FlagCF
			fl &^= FlagCF
		}
		f.Flags = f.Flags&^upd | fl
	}
	return r
}
