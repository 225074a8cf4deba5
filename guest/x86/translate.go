package x86

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/dbt/arena"
	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/host"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/mmu"
	"github.com/colorfulnotion/dbt/tcache"
	"golang.org/x/arch/x86/x86asm"
)

const maxInsnLen = 15

// scratch registers
const (
	t0    uint8 = host.FirstTemp
	t1    uint8 = host.FirstTemp + 1
	t2    uint8 = host.FirstTemp + 2
	tAddr uint8 = host.FirstTemp + 3
)

var condOf = map[x86asm.Op]host.Cond{
	x86asm.JE: host.CondE, x86asm.JNE: host.CondNE,
	x86asm.JL: host.CondL, x86asm.JGE: host.CondGE,
	x86asm.JLE: host.CondLE, x86asm.JG: host.CondG,
	x86asm.JB: host.CondB, x86asm.JAE: host.CondAE,
	x86asm.JBE: host.CondBE, x86asm.JA: host.CondA,
	x86asm.JS: host.CondS, x86asm.JNS: host.CondNS,
	x86asm.JO: host.CondO, x86asm.JNO: host.CondNO,
}

var aluOf = map[x86asm.Op]host.Op{
	x86asm.ADD: host.OpAdd, x86asm.SUB: host.OpSub, x86asm.CMP: host.OpSub,
	x86asm.AND: host.OpAnd, x86asm.TEST: host.OpAnd,
	x86asm.OR: host.OpOr, x86asm.XOR: host.OpXor,
}

// Translator turns guest x86 code into host code in the arena.
type Translator struct {
	arena    *arena.Arena
	mem      *mmu.MMU
	maxInsns int
	maxBytes int
}

func NewTranslator(a *arena.Arena, m *mmu.MMU, cfg config.Translate) *Translator {
	return &Translator{arena: a, mem: m, maxInsns: cfg.MaxInsns, maxBytes: cfg.MaxBytes}
}

type exitInfo struct {
	target  uint64
	static  bool
	noChain bool
}

// builder carries the state of one unit under construction.
type builder struct {
	asm   *host.Asm
	mode  int
	aw    uint8 // address width in bytes
	user  bool
	exits []exitInfo
}

func (b *builder) addrMask(v uint64) uint64 {
	if b.aw == 4 {
		return v & 0xFFFF_FFFF
	}
	return v
}

func (b *builder) exitTo(target uint64) {
	b.asm.SetPC(target)
	b.asm.ExitTB()
	b.exits = append(b.exits, exitInfo{target: target, static: true})
}

func (b *builder) exitNoChain(target uint64) {
	b.asm.SetPC(target)
	b.asm.ExitTB()
	b.exits = append(b.exits, exitInfo{target: target, static: true, noChain: true})
}

func (b *builder) raise(vec uint8, pc uint64) {
	b.asm.Raise(vec, 0, pc)
}

// Translate builds the unit starting at pc under the given translation flags.
// A fault fetching the first instruction is returned as a *host.Fault.
func (t *Translator) Translate(pc uint64, flags uint32) (*tcache.Unit, error) {
	b := &builder{asm: host.NewAsm(), mode: 32, aw: 4, user: flags&ModeUser != 0}
	if flags&ModeLong != 0 {
		b.mode, b.aw = 64, 8
	}
	view := t.mem.As(b.user)

	page0, page2 := tcache.NoPage, tcache.NoPage
	vpage0 := pc >> mmu.PageShift
	cur := pc
	insns := 0
	for {
		if insns > 0 && (insns >= t.maxInsns || int(cur-pc) >= t.maxBytes) {
			b.exitTo(cur)
			break
		}
		var buf [maxInsnLen]byte
		n, flt := view.Fetch(cur, buf[:])
		if flt != nil {
			if insns == 0 {
				return nil, flt
			}
			b.exitTo(cur)
			break
		}
		var nextFault *host.Fault
		if n < maxInsnLen {
			m, f2 := view.Fetch(cur+uint64(n), buf[n:])
			n += m
			nextFault = f2
		}
		inst, err := x86asm.Decode(buf[:n], b.mode)
		if err != nil && errors.Is(err, x86asm.ErrTruncated) && nextFault != nil {
			if insns == 0 {
				return nil, nextFault
			}
			b.exitTo(cur)
			break
		}
		length := 1
		if err == nil {
			length = inst.Len
		}
		last := cur + uint64(length) - 1
		if vp := last >> mmu.PageShift; vp != vpage0 {
			if vp != vpage0+1 {
				// a third page; end the unit before this instruction
				b.exitTo(cur)
				break
			}
			if page2 == tcache.NoPage {
				pfn, ok := t.mem.PhysPage(last)
				if !ok {
					return nil, fmt.Errorf("x86: second page of %#x vanished during translation", cur)
				}
				page2 = pfn
			}
		}
		if insns == 0 {
			pfn, ok := t.mem.PhysPage(pc)
			if !ok {
				return nil, fmt.Errorf("x86: page of %#x vanished during translation", pc)
			}
			page0 = pfn
		}

		b.asm.Insn(cur)
		insns++
		next := b.addrMask(cur + uint64(length))
		var end bool
		if err != nil {
			log.Debug(log.TranslateMonitoring, "undecodable", "pc", fmt.Sprintf("%#x", cur), "err", err)
			b.raise(VecUD, cur)
			end = true
		} else {
			end = b.translate(inst, cur, next)
		}
		cur = next
		if end {
			break
		}
	}

	code := b.asm.Bytes()
	region, err := t.arena.Alloc(len(code))
	if err != nil {
		return nil, fmt.Errorf("translate pc=%#x: %w", pc, err)
	}
	if err := t.arena.Write(region, code); err != nil {
		return nil, err
	}
	exits := make([]tcache.ExitSlot, len(b.exits))
	for i, off := range b.asm.Exits() {
		e := b.exits[i]
		exits[i] = tcache.ExitSlot{Off: region.Off + off, Target: e.target, HasTarget: e.static, NoChain: e.noChain}
	}
	u := tcache.NewUnit(tcache.Key{PC: pc, Flags: flags, Page: page0}, page2, region, exits)
	u.GuestLen = int(cur - pc)
	u.Insns = insns
	log.Trace(log.TranslateMonitoring, "translated", "unit", u)
	return u, nil
}

// regOf maps a 32 or 64-bit general purpose register to its index and width.
func regOf(r x86asm.Reg) (uint8, uint8, bool) {
	switch {
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return uint8(r - x86asm.EAX), 4, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return uint8(r - x86asm.RAX), 8, true
	}
	return 0, 0, false
}

func width(inst x86asm.Inst) (uint8, bool) {
	switch inst.DataSize {
	case 32:
		return 4, true
	case 64:
		return 8, true
	}
	return 0, false
}

// ea emits the effective address of m into dst.
func (b *builder) ea(m x86asm.Mem, next uint64, dst uint8, w uint8) bool {
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return false
	}
	if m.Base == x86asm.RIP || m.Base == x86asm.EIP {
		b.asm.MovImm(dst, w, b.addrMask(next+uint64(m.Disp)))
		return true
	}
	base, index := uint8(host.NoReg), uint8(host.NoReg)
	if m.Base != 0 {
		r, _, ok := regOf(m.Base)
		if !ok {
			return false
		}
		base = r
	}
	var shift uint8
	if m.Index != 0 {
		r, _, ok := regOf(m.Index)
		if !ok {
			return false
		}
		index = r
		switch m.Scale {
		case 1:
		case 2:
			shift = 1
		case 4:
			shift = 2
		case 8:
			shift = 3
		default:
			return false
		}
	}
	b.asm.Lea(dst, base, index, shift, m.Disp, w)
	return true
}

// source materialises a register, immediate or memory operand and returns the
// host register holding it.
func (b *builder) source(arg x86asm.Arg, w uint8, next uint64, tmp uint8) (uint8, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, _, ok := regOf(a)
		return r, ok
	case x86asm.Imm:
		b.asm.MovImm(tmp, w, uint64(int64(a)))
		return tmp, true
	case x86asm.Mem:
		if !b.ea(a, next, tAddr, b.aw) {
			return 0, false
		}
		b.asm.Load(tmp, tAddr, 0, w)
		return tmp, true
	}
	return 0, false
}

// memWidthMatches rejects byte and word sized memory operands, which the
// translated subset does not cover.
func memWidthMatches(inst x86asm.Inst, sw uint8) bool {
	if inst.Op == x86asm.LEA {
		return true
	}
	hasMem := false
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if _, isMem := arg.(x86asm.Mem); isMem {
			hasMem = true
		}
	}
	if !hasMem {
		return true
	}
	want := inst.DataSize / 8
	switch inst.Op {
	case x86asm.PUSH, x86asm.POP, x86asm.CALL, x86asm.JMP:
		want = int(sw)
	}
	return inst.MemBytes == want
}

func supportedPrefixes(inst x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if p&x86asm.PrefixImplicit != 0 || p&x86asm.PrefixIgnored != 0 {
			continue
		}
		switch p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored) {
		case x86asm.PrefixLOCK, x86asm.PrefixREP, x86asm.PrefixREPN,
			x86asm.PrefixDataSize, x86asm.PrefixAddrSize, x86asm.PrefixFS, x86asm.PrefixGS:
			return false
		}
	}
	return true
}

// translate emits one instruction and reports whether it ends the unit.
func (b *builder) translate(inst x86asm.Inst, pc, next uint64) bool {
	if !supportedPrefixes(inst) {
		b.raise(VecUD, pc)
		return true
	}
	ok, end := b.emit(inst, pc, next)
	if !ok {
		log.Debug(log.TranslateMonitoring, "unsupported", "pc", fmt.Sprintf("%#x", pc), "inst", inst.String())
		b.raise(VecUD, pc)
		return true
	}
	return end
}

func (b *builder) emit(inst x86asm.Inst, pc, next uint64) (ok bool, end bool) {
	a := b.asm
	sw := b.aw // stack slot width
	if !memWidthMatches(inst, sw) {
		return false, false
	}
	switch inst.Op {
	case x86asm.NOP:
		return true, false

	case x86asm.MOV:
		w, ok := width(inst)
		if !ok {
			return false, false
		}
		switch dst := inst.Args[0].(type) {
		case x86asm.Reg:
			d, _, ok := regOf(dst)
			if !ok {
				return false, false
			}
			switch src := inst.Args[1].(type) {
			case x86asm.Reg:
				s, _, ok := regOf(src)
				if !ok {
					return false, false
				}
				a.Mov(d, s, w)
			case x86asm.Imm:
				a.MovImm(d, w, uint64(int64(src)))
			case x86asm.Mem:
				if !b.ea(src, next, tAddr, b.aw) {
					return false, false
				}
				a.Load(d, tAddr, 0, w)
			default:
				return false, false
			}
		case x86asm.Mem:
			s, ok := b.source(inst.Args[1], w, next, t0)
			if !ok || !b.ea(dst, next, tAddr, b.aw) {
				return false, false
			}
			a.Store(s, tAddr, 0, w)
		default:
			return false, false
		}
		return true, false

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.CMP, x86asm.TEST:
		w, ok := width(inst)
		if !ok {
			return false, false
		}
		op := aluOf[inst.Op]
		aux := uint8(host.AuxFlags)
		if inst.Op == x86asm.CMP || inst.Op == x86asm.TEST {
			aux |= host.AuxNoWrite
		}
		switch dst := inst.Args[0].(type) {
		case x86asm.Reg:
			d, _, ok := regOf(dst)
			if !ok {
				return false, false
			}
			if imm, isImm := inst.Args[1].(x86asm.Imm); isImm {
				a.ALUImm(op, d, d, uint64(int64(imm)), w, aux)
				return true, false
			}
			s, ok := b.source(inst.Args[1], w, next, t1)
			if !ok {
				return false, false
			}
			a.ALU(op, d, d, s, w, aux)
		case x86asm.Mem:
			if !b.ea(dst, next, tAddr, b.aw) {
				return false, false
			}
			a.Load(t0, tAddr, 0, w)
			if aux&host.AuxNoWrite == 0 {
				// fault on the write before any state changes
				a.Store(t0, tAddr, 0, w)
			}
			switch src := inst.Args[1].(type) {
			case x86asm.Imm:
				a.ALUImm(op, t0, t0, uint64(int64(src)), w, aux)
			case x86asm.Reg:
				s, _, ok := regOf(src)
				if !ok {
					return false, false
				}
				a.ALU(op, t0, t0, s, w, aux)
			default:
				return false, false
			}
			if aux&host.AuxNoWrite == 0 {
				a.Store(t0, tAddr, 0, w)
			}
		default:
			return false, false
		}
		return true, false

	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		w, ok := width(inst)
		if !ok {
			return false, false
		}
		apply := func(r uint8) {
			switch inst.Op {
			case x86asm.INC:
				a.ALUImm(host.OpAdd, r, r, 1, w, host.AuxFlags|host.AuxKeepCF)
			case x86asm.DEC:
				a.ALUImm(host.OpSub, r, r, 1, w, host.AuxFlags|host.AuxKeepCF)
			case x86asm.NEG:
				a.Unary(host.OpNeg, r, r, w, host.AuxFlags)
			case x86asm.NOT:
				a.Unary(host.OpNot, r, r, w, 0)
			}
		}
		switch dst := inst.Args[0].(type) {
		case x86asm.Reg:
			d, _, ok := regOf(dst)
			if !ok {
				return false, false
			}
			apply(d)
		case x86asm.Mem:
			if !b.ea(dst, next, tAddr, b.aw) {
				return false, false
			}
			a.Load(t0, tAddr, 0, w)
			a.Store(t0, tAddr, 0, w)
			apply(t0)
			a.Store(t0, tAddr, 0, w)
		default:
			return false, false
		}
		return true, false

	case x86asm.LEA:
		w, ok := width(inst)
		if !ok {
			return false, false
		}
		dst, ok1 := inst.Args[0].(x86asm.Reg)
		src, ok2 := inst.Args[1].(x86asm.Mem)
		if !ok1 || !ok2 {
			return false, false
		}
		d, _, ok := regOf(dst)
		if !ok || !b.ea(src, next, d, w) {
			return false, false
		}
		return true, false

	case x86asm.XCHG:
		w, ok := width(inst)
		if !ok {
			return false, false
		}
		r0, isReg0 := inst.Args[0].(x86asm.Reg)
		r1, isReg1 := inst.Args[1].(x86asm.Reg)
		switch {
		case isReg0 && isReg1:
			x, _, ok1 := regOf(r0)
			y, _, ok2 := regOf(r1)
			if !ok1 || !ok2 {
				return false, false
			}
			a.Mov(t0, x, 8)
			a.Mov(x, y, w)
			a.Mov(y, t0, w)
		default:
			m, isMem := inst.Args[0].(x86asm.Mem)
			reg := r1
			if !isMem {
				m, isMem = inst.Args[1].(x86asm.Mem)
				reg = r0
			}
			r, _, ok := regOf(reg)
			if !isMem || !ok || !b.ea(m, next, tAddr, b.aw) {
				return false, false
			}
			a.Load(t0, tAddr, 0, w)
			a.Store(r, tAddr, 0, w)
			a.Mov(r, t0, w)
		}
		return true, false

	case x86asm.PUSH:
		src, ok := b.source(inst.Args[0], sw, next, t1)
		if !ok {
			return false, false
		}
		a.Lea(t0, RSP, host.NoReg, 0, -int64(sw), b.aw)
		a.Store(src, t0, 0, sw)
		a.Mov(RSP, t0, b.aw)
		return true, false

	case x86asm.POP:
		dst, isReg := inst.Args[0].(x86asm.Reg)
		if !isReg {
			return false, false
		}
		d, _, ok := regOf(dst)
		if !ok {
			return false, false
		}
		a.Load(t1, RSP, 0, sw)
		a.ALUImm(host.OpAdd, RSP, RSP, uint64(sw), b.aw, 0)
		a.Mov(d, t1, sw)
		return true, false

	case x86asm.JMP:
		if rel, isRel := inst.Args[0].(x86asm.Rel); isRel {
			b.exitTo(b.addrMask(next + uint64(int64(rel))))
			return true, true
		}
		target, ok := b.source(inst.Args[0], sw, next, t2)
		if !ok {
			return false, false
		}
		a.ExitDyn(target)
		return true, true

	case x86asm.CALL:
		var target uint64
		rel, isRel := inst.Args[0].(x86asm.Rel)
		dyn := uint8(0)
		if isRel {
			target = b.addrMask(next + uint64(int64(rel)))
		} else {
			r, ok := b.source(inst.Args[0], sw, next, t2)
			if !ok {
				return false, false
			}
			if r != t2 {
				a.Mov(t2, r, sw)
			}
			dyn = t2
		}
		a.Lea(t0, RSP, host.NoReg, 0, -int64(sw), b.aw)
		a.MovImm(t1, sw, next)
		a.Store(t1, t0, 0, sw)
		a.Mov(RSP, t0, b.aw)
		if isRel {
			b.exitTo(target)
		} else {
			a.ExitDyn(dyn)
		}
		return true, true

	case x86asm.RET:
		extra := uint64(0)
		if imm, isImm := inst.Args[0].(x86asm.Imm); isImm {
			extra = uint64(imm)
		}
		a.Load(t1, RSP, 0, sw)
		a.ALUImm(host.OpAdd, RSP, RSP, uint64(sw)+extra, b.aw, 0)
		a.ExitDyn(t1)
		return true, true

	case x86asm.HLT:
		if b.user {
			b.raise(VecGP, pc)
			return true, true
		}
		a.Halt(next)
		return true, true

	case x86asm.CLI, x86asm.STI:
		if b.user {
			b.raise(VecGP, pc)
			return true, true
		}
		if inst.Op == x86asm.CLI {
			a.ClrFlag(host.FlagIF)
		} else {
			a.SetFlag(host.FlagIF)
		}
		// the dispatcher must look at pending interrupts right after this
		b.exitNoChain(next)
		return true, true

	case x86asm.UD2:
		b.raise(VecUD, pc)
		return true, true

	case x86asm.INT:
		vec, isImm := inst.Args[0].(x86asm.Imm)
		if !isImm {
			return false, false
		}
		a.Raise(uint8(vec), 0, next)
		return true, true
	}

	if cond, isJcc := condOf[inst.Op]; isJcc {
		rel, isRel := inst.Args[0].(x86asm.Rel)
		if !isRel {
			return false, false
		}
		br := a.Branch(cond)
		b.exitTo(next)
		a.Bind(br)
		b.exitTo(b.addrMask(next + uint64(int64(rel))))
		return true, true
	}
	return false, false
}
