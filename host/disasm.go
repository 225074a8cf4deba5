package host

import (
	"fmt"
	"strings"
)

func reg(r uint8) string {
	if r == NoReg {
		return "-"
	}
	if r >= FirstTemp {
		return fmt.Sprintf("t%d", r-FirstTemp)
	}
	return fmt.Sprintf("r%d", r)
}

// Format renders one instruction. Exit link words are read atomically from code.
func Format(code []byte, off int) string {
	if off+InsnSize > len(code) {
		return fmt.Sprintf("0x%04x: <truncated>", off)
	}
	op := Op(code[off])
	if op == OpExitTB {
		target, linked := LoadLink(code, off)
		if linked {
			return fmt.Sprintf("0x%04x: exit_tb   slot=%d -> 0x%04x", off, code[off+1], target)
		}
		return fmt.Sprintf("0x%04x: exit_tb   slot=%d", off, code[off+1])
	}
	in := Decode(code[off : off+InsnSize])
	var args string
	switch in.Op {
	case OpInsn, OpSetPC, OpHalt:
		args = fmt.Sprintf("%#x", in.Imm)
	case OpMovImm:
		args = fmt.Sprintf("%s, %#x", reg(in.A), in.Imm)
	case OpMov, OpNeg, OpNot:
		args = fmt.Sprintf("%s, %s", reg(in.A), reg(in.B))
	case OpAdd, OpSub, OpAnd, OpOr, OpXor:
		rhs := reg(in.C)
		if in.Aux&AuxImm != 0 {
			rhs = fmt.Sprintf("%#x", in.Imm)
		}
		dst := reg(in.A)
		if in.Aux&AuxNoWrite != 0 {
			dst = "_"
		}
		args = fmt.Sprintf("%s, %s, %s", dst, reg(in.B), rhs)
		if in.Aux&AuxFlags != 0 {
			args += " !f"
		}
	case OpLea:
		args = fmt.Sprintf("%s, [%s + %s<<%d + %d]", reg(in.A), reg(in.B), reg(in.C), in.Aux, int64(in.Imm))
	case OpLoad:
		args = fmt.Sprintf("%s, [%s + %d]", reg(in.A), reg(in.B), int64(in.Imm))
	case OpStore:
		args = fmt.Sprintf("[%s + %d], %s", reg(in.B), int64(in.Imm), reg(in.A))
	case OpBranch:
		args = fmt.Sprintf("%s 0x%04x", Cond(in.A), off+InsnSize+int(int64(in.Imm)))
	case OpExitDyn:
		args = reg(in.A)
	case OpRaise:
		args = fmt.Sprintf("vec=%d code=%d pc=%#x", in.A, in.B, in.Imm)
	case OpSetFlag, OpClrFlag:
		args = fmt.Sprintf("%#x", in.Imm)
	}
	name := in.Op.String()
	if in.W != 0 {
		name = fmt.Sprintf("%s.%d", name, in.W*8)
	}
	return strings.TrimRight(fmt.Sprintf("0x%04x: %-9s %s", off, name, args), " ")
}

// Disassemble renders the n bytes of code starting at off.
func Disassemble(code []byte, off, n int) string {
	var sb strings.Builder
	for p := off; p < off+n && p+InsnSize <= len(code); p += InsnSize {
		sb.WriteString(Format(code, p))
		sb.WriteByte('\n')
	}
	return sb.String()
}
