// Package host defines the code format emitted into the code arena and the
// executor that runs it. Every instruction is InsnSize bytes:
//
//	[0] op  [1] a  [2] b  [3] c  [4] width  [5] aux  [6:8] reserved  [8:16] imm (LE)
//
// Registers 0..15 hold guest general purpose registers, 16..31 are scratch.
package host

import (
	"encoding/binary"
	"fmt"
)

const (
	InsnSize = 16
	NumRegs  = 32
	// FirstTemp is the first scratch register; translators never map guest state there.
	FirstTemp = 16
	// NoReg marks an absent base or index operand of OpLea.
	NoReg = 0xFF
)

type Op uint8

const (
	OpInvalid Op = iota // zeroed arena bytes decode as OpInvalid
	OpNop
	OpInsn    // guest instruction boundary, imm = guest pc
	OpMovImm  // a = imm
	OpMov     // a = b
	OpAdd     // a = b + (c | imm)
	OpSub     // a = b - (c | imm)
	OpAnd     // a = b & (c | imm)
	OpOr      // a = b | (c | imm)
	OpXor     // a = b ^ (c | imm)
	OpNeg     // a = -b
	OpNot     // a = ^b
	OpLea     // a = b + c<<aux + imm
	OpLoad    // a = mem[b + imm]
	OpStore   // mem[b + imm] = a
	OpBranch  // if cond(a) { pc += imm }
	OpSetPC   // guest pc = imm
	OpExitTB  // leave through exit slot a; imm is the link word
	OpExitDyn // guest pc = a, leave without a link
	OpRaise   // raise guest exception vector a, error code b, guest pc = imm
	OpHalt    // guest pc = imm, leave halted
	OpSetFlag // flags |= imm
	OpClrFlag // flags &^= imm
	opCount
)

var opNames = [...]string{
	OpInvalid: "invalid", OpNop: "nop", OpInsn: "insn", OpMovImm: "movi", OpMov: "mov",
	OpAdd: "add", OpSub: "sub", OpAnd: "and", OpOr: "or", OpXor: "xor", OpNeg: "neg", OpNot: "not",
	OpLea: "lea", OpLoad: "ld", OpStore: "st", OpBranch: "br", OpSetPC: "setpc",
	OpExitTB: "exit_tb", OpExitDyn: "exit_dyn", OpRaise: "raise", OpHalt: "halt",
	OpSetFlag: "setf", OpClrFlag: "clrf",
}

func (op Op) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", uint8(op))
}

// ALU aux bits.
const (
	AuxImm     = 1 << 0 // second operand is imm instead of register c
	AuxFlags   = 1 << 1 // update arithmetic flags
	AuxNoWrite = 1 << 2 // discard the result (cmp, test)
	AuxKeepCF  = 1 << 3 // preserve CF (inc, dec)
)

// Flag bits share the x86 EFLAGS layout so guest state can be copied as is.
const (
	FlagCF uint64 = 1 << 0
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagIF uint64 = 1 << 9
	FlagOF uint64 = 1 << 11

	ArithFlags = FlagCF | FlagZF | FlagSF | FlagOF
)

// Cond is a branch condition evaluated against the flags.
type Cond uint8

const (
	CondAlways Cond = iota
	CondE
	CondNE
	CondL
	CondGE
	CondLE
	CondG
	CondB
	CondAE
	CondBE
	CondA
	CondS
	CondNS
	CondO
	CondNO
)

var condNames = [...]string{"always", "e", "ne", "l", "ge", "le", "g", "b", "ae", "be", "a", "s", "ns", "o", "no"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond%d", uint8(c))
}

// Holds evaluates the condition.
func (c Cond) Holds(flags uint64) bool {
	cf := flags&FlagCF != 0
	zf := flags&FlagZF != 0
	sf := flags&FlagSF != 0
	of := flags&FlagOF != 0
	switch c {
	case CondAlways:
		return true
	case CondE:
		return zf
	case CondNE:
		return !zf
	case CondL:
		return sf != of
	case CondGE:
		return sf == of
	case CondLE:
		return zf || sf != of
	case CondG:
		return !zf && sf == of
	case CondB:
		return cf
	case CondAE:
		return !cf
	case CondBE:
		return cf || zf
	case CondA:
		return !cf && !zf
	case CondS:
		return sf
	case CondNS:
		return !sf
	case CondO:
		return of
	case CondNO:
		return !of
	}
	return false
}

// Inst is one decoded host instruction.
type Inst struct {
	Op  Op
	A   uint8
	B   uint8
	C   uint8
	W   uint8 // operand width in bytes: 1, 2, 4 or 8
	Aux uint8
	Imm uint64
}

// Encode writes in to dst, which must hold InsnSize bytes.
func (in Inst) Encode(dst []byte) {
	dst[0] = byte(in.Op)
	dst[1] = in.A
	dst[2] = in.B
	dst[3] = in.C
	dst[4] = in.W
	dst[5] = in.Aux
	dst[6], dst[7] = 0, 0
	binary.LittleEndian.PutUint64(dst[8:], in.Imm)
}

// Decode reads the instruction at src[0:InsnSize].
func Decode(src []byte) Inst {
	return Inst{
		Op:  Op(src[0]),
		A:   src[1],
		B:   src[2],
		C:   src[3],
		W:   src[4],
		Aux: src[5],
		Imm: binary.LittleEndian.Uint64(src[8:]),
	}
}

func mask(w uint8) uint64 {
	switch w {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFF_FFFF
	default:
		return ^uint64(0)
	}
}

func signBit(w uint8) uint64 {
	switch w {
	case 1:
		return 1 << 7
	case 2:
		return 1 << 15
	case 4:
		return 1 << 31
	default:
		return 1 << 63
	}
}
