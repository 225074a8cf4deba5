package host

import "fmt"

// Asm accumulates host code for one translation unit before it is copied into
// the arena. Offsets returned by the emitters are relative to the unit start.
type Asm struct {
	buf   []byte
	exits []int
}

func NewAsm() *Asm {
	return &Asm{buf: make([]byte, 0, 64*InsnSize)}
}

// Emit appends in and returns its offset.
func (a *Asm) Emit(in Inst) int {
	off := len(a.buf)
	a.buf = append(a.buf, make([]byte, InsnSize)...)
	in.Encode(a.buf[off:])
	return off
}

func (a *Asm) Len() int { return len(a.buf) }
func (a *Asm) Bytes() []byte { return a.buf }

// Exits lists the offsets of the OpExitTB instructions, in slot order.
func (a *Asm) Exits() []int { return a.exits }

func (a *Asm) Insn(pc uint64) int { return a.Emit(Inst{Op: OpInsn, Imm: pc}) }

func (a *Asm) MovImm(dst uint8, w uint8, v uint64) int {
	return a.Emit(Inst{Op: OpMovImm, A: dst, W: w, Imm: v})
}

func (a *Asm) Mov(dst, src uint8, w uint8) int {
	return a.Emit(Inst{Op: OpMov, A: dst, B: src, W: w})
}

// ALU emits dst = lhs op rhs.
func (a *Asm) ALU(op Op, dst, lhs, rhs uint8, w uint8, aux uint8) int {
	return a.Emit(Inst{Op: op, A: dst, B: lhs, C: rhs, W: w, Aux: aux})
}

// ALUImm emits dst = lhs op imm.
func (a *Asm) ALUImm(op Op, dst, lhs uint8, imm uint64, w uint8, aux uint8) int {
	return a.Emit(Inst{Op: op, A: dst, B: lhs, W: w, Aux: aux | AuxImm, Imm: imm})
}

func (a *Asm) Unary(op Op, dst, src uint8, w uint8, aux uint8) int {
	return a.Emit(Inst{Op: op, A: dst, B: src, W: w, Aux: aux})
}

func (a *Asm) Lea(dst, base, index uint8, scale uint8, disp int64, w uint8) int {
	return a.Emit(Inst{Op: OpLea, A: dst, B: base, C: index, W: w, Aux: scale, Imm: uint64(disp)})
}

func (a *Asm) Load(dst, base uint8, disp int64, w uint8) int {
	return a.Emit(Inst{Op: OpLoad, A: dst, B: base, W: w, Imm: uint64(disp)})
}

func (a *Asm) Store(src, base uint8, disp int64, w uint8) int {
	return a.Emit(Inst{Op: OpStore, A: src, B: base, W: w, Imm: uint64(disp)})
}

// Branch emits a forward conditional branch with an unresolved target.
func (a *Asm) Branch(c Cond) int {
	return a.Emit(Inst{Op: OpBranch, A: uint8(c)})
}

// Bind resolves the branch at at to jump to the current end of the buffer.
func (a *Asm) Bind(at int) {
	rel := int64(len(a.buf) - (at + InsnSize))
	in := Decode(a.buf[at:])
	if in.Op != OpBranch {
		panic(fmt.Sprintf("host: bind of %v at %#x", in.Op, at))
	}
	in.Imm = uint64(rel)
	in.Encode(a.buf[at:])
}

func (a *Asm) SetPC(pc uint64) int { return a.Emit(Inst{Op: OpSetPC, Imm: pc}) }

// ExitTB emits an unlinked exit through the next slot and returns its offset.
func (a *Asm) ExitTB() int {
	off := a.Emit(Inst{Op: OpExitTB, A: uint8(len(a.exits))})
	a.exits = append(a.exits, off)
	return off
}

func (a *Asm) ExitDyn(reg uint8) int { return a.Emit(Inst{Op: OpExitDyn, A: reg}) }

func (a *Asm) Raise(vector uint8, code uint8, pc uint64) int {
	return a.Emit(Inst{Op: OpRaise, A: vector, B: code, Imm: pc})
}

func (a *Asm) Halt(next uint64) int { return a.Emit(Inst{Op: OpHalt, Imm: next}) }

func (a *Asm) SetFlag(f uint64) int { return a.Emit(Inst{Op: OpSetFlag, Imm: f}) }
func (a *Asm) ClrFlag(f uint64) int { return a.Emit(Inst{Op: OpClrFlag, Imm: f}) }
