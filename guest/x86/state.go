// Package x86 is the x86 guest: architectural state, the register window used
// to enter and leave translated code, exception delivery and the translator.
package x86

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/host"
)

// Translation flags. They are part of every unit's identity.
const (
	ModeLong uint32 = 1 << 0
	ModeUser uint32 = 1 << 1
)

// Exception vectors raised by translated code.
const (
	VecDE uint8 = 0
	VecBP uint8 = 3
	VecUD uint8 = 6
	VecGP uint8 = 13
	VecPF uint8 = 14
)

// General purpose register indices, in encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

const rflagsReserved = 1 << 1

// Frame is the state saved when an exception is delivered.
type Frame struct {
	RIP    uint64
	RFLAGS uint64
	Flags  uint32
}

// State is the architectural state of one x86 context.
type State struct {
	Regs   [16]uint64
	RIP    uint64
	RFLAGS uint64
	Flags  uint32
	CR2    uint64

	// IDT maps vectors to handler addresses.
	IDT map[uint8]uint64

	Exceptions int
	Last       cpu.Exception
	Saved      []Frame
}

// NewState returns a reset context in 64-bit (long) or 32-bit mode.
func NewState(long bool) *State {
	s := &State{RFLAGS: rflagsReserved, IDT: make(map[uint8]uint64)}
	if long {
		s.Flags |= ModeLong
	}
	return s
}

func (s *State) PC() uint64 { return s.RIP }
func (s *State) SetPC(pc uint64) { s.RIP = pc }
func (s *State) Mode() uint32 { return s.Flags }
func (s *State) Long() bool { return s.Flags&ModeLong != 0 }
func (s *State) User() bool { return s.Flags&ModeUser != 0 }

func (s *State) InterruptsEnabled() bool { return s.RFLAGS&host.FlagIF != 0 }

// SetUser switches between supervisor and user privilege.
func (s *State) SetUser(user bool) {
	if user {
		s.Flags |= ModeUser
	} else {
		s.Flags &^= ModeUser
	}
}

// SetHandler installs the handler for vector.
func (s *State) SetHandler(vector uint8, pc uint64) { s.IDT[vector] = pc }

// Reg returns a register by name ("rax".."r15").
func (s *State) Reg(name string) (uint64, bool) {
	for i, n := range regNames {
		if n == strings.ToLower(name) {
			return s.Regs[i], true
		}
	}
	return 0, false
}

// SetReg assigns a register by name.
func (s *State) SetReg(name string, v uint64) bool {
	for i, n := range regNames {
		if n == strings.ToLower(name) {
			s.Regs[i] = v
			return true
		}
	}
	return false
}

// RegNames lists the general purpose registers in encoding order.
func RegNames() []string { return append([]string(nil), regNames[:]...) }

func (s *State) String() string {
	var sb strings.Builder
	for i, n := range regNames {
		fmt.Fprintf(&sb, "%-3s=%016x", n, s.Regs[i])
		if i%4 == 3 {
			sb.WriteByte('\n')
		} else {
			sb.WriteByte(' ')
		}
	}
	fmt.Fprintf(&sb, "rip=%016x rflags=%08x mode=%#x cr2=%#x", s.RIP, s.RFLAGS, s.Flags, s.CR2)
	return sb.String()
}

var _ cpu.ArchState = (*State)(nil)

// Window moves State in and out of the host register file.
type Window struct{}

func (Window) Load(arch cpu.ArchState, f *host.Frame) {
	s := arch.(*State)
	copy(f.R[:16], s.Regs[:])
	f.Flags = s.RFLAGS
	f.PC = s.RIP
}

func (Window) Store(f *host.Frame, arch cpu.ArchState) {
	s := arch.(*State)
	copy(s.Regs[:], f.R[:16])
	s.RFLAGS = f.Flags | rflagsReserved
	s.RIP = f.PC
}
