package x86

import (
	"testing"

	"github.com/colorfulnotion/dbt/arena"
	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/host"
	"github.com/colorfulnotion/dbt/mmu"
	"github.com/stretchr/testify/require"
)

type rig struct {
	arena *arena.Arena
	mem   *mmu.MMU
	tr    *Translator
}

func newRig(t *testing.T, arenaSize int) *rig {
	a, err := arena.New(arenaSize)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	m := mmu.New()
	return &rig{arena: a, mem: m, tr: NewTranslator(a, m, config.Default().Translate)}
}

// run executes a translated unit once, outside the dispatcher.
func (r *rig) run(t *testing.T, s *State, flags uint32) host.Exit {
	u, err := r.tr.Translate(s.RIP, flags)
	require.NoError(t, err)
	var f host.Frame
	Window{}.Load(s, &f)
	exit := host.Run(r.arena.Code(), u.Entry(), &f, r.mem.As(flags&ModeUser != 0), host.Options{})
	Window{}.Store(&f, s)
	return exit
}

func TestTranslateCountingLoop(t *testing.T) {
	r := newRig(t, 64*1024)
	code := []byte{
		0xFF, 0xC1, // inc ecx
		0x81, 0xF9, 0xE8, 0x03, 0x00, 0x00, // cmp ecx, 1000
		0x75, 0xF6, // jne 0x1000
		0xF4, // hlt
	}
	require.NoError(t, r.mem.LoadImage(0x1000, code, mmu.PermRWX))

	u, err := r.tr.Translate(0x1000, ModeLong)
	require.NoError(t, err)
	require.Equal(t, 3, u.Insns)
	require.Equal(t, 10, u.GuestLen)
	require.Len(t, u.Exits, 2)
	require.Equal(t, uint64(0x100A), u.Exits[0].Target)
	require.Equal(t, uint64(0x1000), u.Exits[1].Target)
	require.True(t, u.Exits[1].HasTarget)
	require.False(t, u.Exits[1].NoChain)

	s := NewState(true)
	s.RIP = 0x1000
	exit := r.run(t, s, ModeLong)
	require.Equal(t, host.ExitTB, exit.Kind)
	require.Equal(t, 1, exit.Slot)
	require.Equal(t, uint64(1), s.Regs[RCX])
	require.Equal(t, uint64(0x1000), s.RIP)
}

func TestModeSelectsDecoding(t *testing.T) {
	// 32-bit: dec eax; inc eax; hlt. 64-bit: inc rax; hlt.
	code := []byte{0x48, 0xFF, 0xC0, 0xF4}
	for _, tc := range []struct {
		long  bool
		insns int
		rax   uint64
	}{
		{long: false, insns: 3, rax: 5},
		{long: true, insns: 2, rax: 6},
	} {
		r := newRig(t, 64*1024)
		require.NoError(t, r.mem.LoadImage(0x1000, code, mmu.PermRWX))
		s := NewState(tc.long)
		s.RIP = 0x1000
		s.Regs[RAX] = 5
		u, err := r.tr.Translate(0x1000, s.Mode())
		require.NoError(t, err)
		require.Equal(t, tc.insns, u.Insns)

		exit := r.run(t, s, s.Mode())
		require.Equal(t, host.ExitHalt, exit.Kind)
		require.Equal(t, tc.rax, s.Regs[RAX])
		require.Equal(t, uint64(0x1004), s.RIP)
	}
}

func TestFetchFaultOnFirstInstruction(t *testing.T) {
	r := newRig(t, 64*1024)
	_, err := r.tr.Translate(0x7000, ModeLong)
	var flt *host.Fault
	require.ErrorAs(t, err, &flt)
	require.Equal(t, host.AccessFetch, flt.Access)
	require.Equal(t, uint64(0x7000), flt.Addr)
}

func TestUnitStopsBeforeUnmappedPage(t *testing.T) {
	r := newRig(t, 64*1024)
	// nop at 0x1FFE then a mov whose immediate would live on the unmapped next page
	require.NoError(t, r.mem.Map(0x1000, mmu.PageSize, mmu.PermRWX))
	_, err := r.mem.WriteBytes(0x1FFE, []byte{0x90, 0xB8})
	require.NoError(t, err)

	u, err := r.tr.Translate(0x1FFE, ModeLong)
	require.NoError(t, err)
	require.Equal(t, 1, u.Insns)
	require.Equal(t, uint64(0x1FFF), u.Exits[0].Target)

	_, err = r.tr.Translate(0x1FFF, ModeLong)
	var flt *host.Fault
	require.ErrorAs(t, err, &flt)
	require.Equal(t, uint64(0x2000), flt.Addr)
}

func TestInstructionSpanningTwoPages(t *testing.T) {
	r := newRig(t, 64*1024)
	require.NoError(t, r.mem.Map(0x1000, 2*mmu.PageSize, mmu.PermRWX))
	// mov eax, 7 straddling the boundary, then hlt
	_, err := r.mem.WriteBytes(0x1FFD, []byte{0xB8, 0x07, 0x00, 0x00, 0x00, 0xF4})
	require.NoError(t, err)
	u, err := r.tr.Translate(0x1FFD, ModeLong)
	require.NoError(t, err)
	pfn, _ := r.mem.PhysPage(0x2000)
	require.Equal(t, pfn, u.Page2)
	require.True(t, u.Spans2())
}

func TestPrivilegedInstructionsInUserMode(t *testing.T) {
	for _, code := range [][]byte{{0xF4}, {0xFA}, {0xFB}} {
		r := newRig(t, 64*1024)
		require.NoError(t, r.mem.LoadImage(0x1000, code, mmu.PermRWX|mmu.PermUser))
		s := NewState(true)
		s.SetUser(true)
		s.RIP = 0x1000
		exit := r.run(t, s, s.Mode())
		require.Equal(t, host.ExitException, exit.Kind)
		require.Equal(t, VecGP, exit.Vector)
		require.Equal(t, uint64(0x1000), s.RIP)
	}
}

func TestUnsupportedRaisesInvalidOpcode(t *testing.T) {
	r := newRig(t, 64*1024)
	// cpuid
	require.NoError(t, r.mem.LoadImage(0x1000, []byte{0x0F, 0xA2}, mmu.PermRWX))
	s := NewState(true)
	s.RIP = 0x1000
	exit := r.run(t, s, s.Mode())
	require.Equal(t, host.ExitException, exit.Kind)
	require.Equal(t, VecUD, exit.Vector)
}

func TestStackAndCalls(t *testing.T) {
	r := newRig(t, 64*1024)
	require.NoError(t, r.mem.Map(0x8000, mmu.PageSize, mmu.PermRead|mmu.PermWrite))
	code := []byte{
		0x6A, 0x2A, // push 42
		0x58,                         // pop rax
		0xE8, 0x00, 0x01, 0x00, 0x00, // call +0x100
	}
	require.NoError(t, r.mem.LoadImage(0x1000, code, mmu.PermRWX))
	s := NewState(true)
	s.RIP = 0x1000
	s.Regs[RSP] = 0x9000
	exit := r.run(t, s, s.Mode())
	require.Equal(t, host.ExitTB, exit.Kind)
	require.Equal(t, uint64(42), s.Regs[RAX])
	require.Equal(t, uint64(0x8FF8), s.Regs[RSP])
	require.Equal(t, uint64(0x1108), s.RIP)
	ret, err := r.mem.ReadBytes(0x8FF8, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{0x08, 0x10, 0, 0, 0, 0, 0, 0}, ret)
}

func TestTranslateReportsArenaFull(t *testing.T) {
	r := newRig(t, 4096)
	require.NoError(t, r.mem.LoadImage(0x1000, []byte{0xF4}, mmu.PermRWX))
	for {
		_, err := r.tr.Translate(0x1000, ModeLong)
		if err != nil {
			require.ErrorIs(t, err, dbterrors.ErrArenaFull)
			return
		}
	}
}

func TestInjector(t *testing.T) {
	s := NewState(true)
	s.SetUser(true)
	s.RFLAGS |= host.FlagIF
	err := Injector{}.Inject(s, Injector{}.PageFault(0x5000, 0, 0x1010))
	require.ErrorIs(t, err, dbterrors.ErrNoHandler)
	require.Equal(t, uint64(0x5000), s.CR2)

	s.SetHandler(VecPF, 0x3000)
	require.NoError(t, Injector{}.Inject(s, Injector{}.PageFault(0x6000, 0, 0x1010)))
	require.Equal(t, uint64(0x3000), s.RIP)
	require.False(t, s.User())
	require.False(t, s.InterruptsEnabled())
	require.Equal(t, 2, s.Exceptions)
	require.Equal(t, uint64(0x1010), s.Saved[0].RIP)
	require.NotZero(t, s.Saved[0].Flags&ModeUser)
}

func TestDisassemble(t *testing.T) {
	m := mmu.New()
	require.NoError(t, m.LoadImage(0x1000, []byte{0xFF, 0xC1, 0xF4}, mmu.PermRWX))
	out, err := Disassemble(m, 0x1000, 2, true)
	require.NoError(t, err)
	require.Contains(t, out, "inc ecx")
	require.Contains(t, out, "hlt")
}

func TestRegistersByName(t *testing.T) {
	s := NewState(true)
	require.True(t, s.SetReg("RBX", 7))
	v, ok := s.Reg("rbx")
	require.True(t, ok)
	require.Equal(t, uint64(7), v)
	require.False(t, s.SetReg("xmm0", 1))
	require.Len(t, RegNames(), 16)
	require.Equal(t, "r15", RegNames()[R15])
}
